package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"framerelay/internal/remote"
)

// MinFreeBytes is the free space a work directory needs before frames are
// extracted into it.
const MinFreeBytes = 2 << 30

// CheckRemote verifies that the workflow service answers its health endpoint.
// It uses a 15-second timeout on top of ctx.
func CheckRemote(ctx context.Context, pinger Pinger) Result {
	const name = "Remote service"

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	latency, err := pinger.Ping(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeRemoteError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("reachable (%s)", latency.Round(time.Millisecond))}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFreeSpace verifies that the filesystem holding path has at least min
// bytes available to unprivileged users.
func CheckFreeSpace(name, path string, min uint64) Result {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < min {
		return Result{Name: name, Detail: fmt.Sprintf("%s free, need %s", humanize.IBytes(free), humanize.IBytes(min))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s free", humanize.IBytes(free))}
}

func summarizeRemoteError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (service unreachable)"
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		switch remote.Classify(err) {
		case remote.ClassAuth:
			return fmt.Sprintf("auth failed (%d)", statusErr.StatusCode)
		default:
			return fmt.Sprintf("health check failed (%d)", statusErr.StatusCode)
		}
	}
	var authErr *remote.AuthError
	if errors.As(err, &authErr) {
		return "auth failed: " + authErr.Error()
	}
	return err.Error()
}
