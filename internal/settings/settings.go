// Package settings persists the user's display name and stable user id.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const FileName = ".officehours.json"

// Settings is the on-disk user settings document.
type Settings struct {
	DisplayName string `json:"display_name,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Store reads and writes settings at a fixed path.
type Store struct {
	path string
}

// DefaultPath returns ~/.officehours.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, FileName), nil
}

// NewStore returns a store at path, or at DefaultPath when path is empty.
func NewStore(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Store{path: path}, nil
}

// Path returns the settings file location.
func (s *Store) Path() string { return s.path }

// Load returns the stored settings. A missing or unreadable file yields
// empty settings.
func (s *Store) Load() Settings {
	var st Settings
	data, err := os.ReadFile(s.path)
	if err != nil {
		return st
	}
	if json.Unmarshal(data, &st) != nil {
		return Settings{}
	}
	return st
}

// Save writes st with two-space indentation.
func (s *Store) Save(st Settings) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// UserID returns the persistent user id, creating and saving one on first use.
func (s *Store) UserID() (string, error) {
	st := s.Load()
	if st.UserID != "" {
		return st.UserID, nil
	}
	st.UserID = NewUserID()
	return st.UserID, s.Save(st)
}

// DisplayName returns the saved display name, or "" if none is set.
func (s *Store) DisplayName() string {
	return s.Load().DisplayName
}

// SetDisplayName saves name, creating the user id if needed.
func (s *Store) SetDisplayName(name string) error {
	st := s.Load()
	st.DisplayName = name
	if st.UserID == "" {
		st.UserID = NewUserID()
	}
	return s.Save(st)
}

// Exists reports whether the settings file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return !errors.Is(err, fs.ErrNotExist)
}

// NewUserID returns a short random id: the first 8 characters of a UUIDv4.
func NewUserID() string {
	return uuid.NewString()[:8]
}
