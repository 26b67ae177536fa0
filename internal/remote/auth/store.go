package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenStore persists the last issued credential between runs.
type TokenStore interface {
	Load() (storedToken, error)
	Save(storedToken) error
}

type storedToken struct {
	Endpoint     string    `json:"endpoint"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// FileTokenStore writes the credential to a JSON file readable only by the
// owner.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore builds a FileTokenStore at path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Load reads the stored credential. A missing file resolves to an empty one.
func (s *FileTokenStore) Load() (storedToken, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storedToken{}, nil
		}
		return storedToken{}, fmt.Errorf("read auth state: %w", err)
	}
	var token storedToken
	if err := json.Unmarshal(data, &token); err != nil {
		return storedToken{}, fmt.Errorf("decode auth state: %w", err)
	}
	return token, nil
}

// Save writes the credential via a temp file and rename.
func (s *FileTokenStore) Save(token storedToken) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure auth state directory: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*.json")
	if err != nil {
		return fmt.Errorf("write auth state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write auth state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write auth state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write auth state: %w", err)
	}
	return nil
}

type memoryStore struct{}

func (memoryStore) Load() (storedToken, error) { return storedToken{}, nil }
func (memoryStore) Save(storedToken) error     { return nil }
