package jobstore

import (
	"database/sql"
	"errors"
	"time"
)

// timeLayout keeps a fixed fractional width so stored timestamps sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              string
		inputPath       string
		outputPath      sql.NullString
		workflowID      string
		statusStr       string
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		remoteTaskID    sql.NullString
		remoteStatus    sql.NullString
		workDir         sql.NullString
		errorMessage    sql.NullString
		cancelRequested sql.NullInt64
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		finishedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&inputPath,
		&outputPath,
		&workflowID,
		&statusStr,
		&progressPercent,
		&progressMessage,
		&remoteTaskID,
		&remoteStatus,
		&workDir,
		&errorMessage,
		&cancelRequested,
		&createdRaw,
		&updatedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		InputPath:       inputPath,
		OutputPath:      outputPath.String,
		WorkflowID:      workflowID,
		Status:          Status(statusStr),
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
		RemoteTaskID:    remoteTaskID.String,
		RemoteStatus:    remoteStatus.String,
		WorkDir:         workDir.String,
		ErrorMessage:    errorMessage.String,
		CancelRequested: cancelRequested.Valid && cancelRequested.Int64 != 0,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			job.FinishedAt = &finished
		}
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
