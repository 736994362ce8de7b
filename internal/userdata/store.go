// Package userdata is the on-disk store for user identity directories.
//
// A user directory is named user_<shortID> and holds the DID document plus
// the generated discovery artefacts:
//
//	user_3ebd1f8c12a9b07d/
//	├── did_document.json
//	├── ad.json
//	├── api_interface.yaml
//	└── api_interface.json
package userdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrUserNotFound is returned when no directory exists for a short ID.
var ErrUserNotFound = errors.New("user not found")

// DIDDocumentFile is the filename of the identity document in a user dir.
const DIDDocumentFile = "did_document.json"

const userDirPrefix = "user_"

// User is a loaded identity record.
type User struct {
	DID     string // identifier from the DID document's "id" field
	ShortID string // trailing segment of the DID; directory suffix
	Dir     string // absolute directory path
}

// Store reads and writes user directories beneath arbitrary roots. The
// per-domain root (anp_users vs anp_users_hosted) is chosen by the caller,
// so one Store serves every domain.
type Store struct {
	logger *zap.Logger
}

// NewStore creates a Store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger}
}

// UserDir returns the directory path for a short ID under root.
func (s *Store) UserDir(root, shortID string) string {
	return filepath.Join(root, userDirPrefix+shortID)
}

// EnsureUser creates the user directory if needed and returns its path.
func (s *Store) EnsureUser(root, shortID string) (string, error) {
	dir := s.UserDir(root, shortID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create user dir: %w", err)
	}
	return dir, nil
}

// DIDDocument reads the raw DID document for a short ID.
func (s *Store) DIDDocument(root, shortID string) ([]byte, error) {
	return s.File(root, shortID, DIDDocumentFile)
}

// File reads an arbitrary file from a user directory. Path traversal in the
// filename is rejected.
func (s *Store) File(root, shortID, name string) ([]byte, error) {
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid file name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.UserDir(root, shortID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("read %s for user %s: %w", name, shortID, err)
	}
	return data, nil
}

// WriteFile writes a file into a user directory, creating it if needed.
// Writes go through a temp file and rename so readers never observe a
// partial document.
func (s *Store) WriteFile(root, shortID, name string, data []byte) error {
	dir, err := s.EnsureUser(root, shortID)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s for user %s: %w", name, shortID, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish %s for user %s: %w", name, shortID, err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it into a user directory.
func (s *Store) WriteJSON(root, shortID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s for user %s: %w", name, shortID, err)
	}
	return s.WriteFile(root, shortID, name, append(data, '\n'))
}

// LoadUser reads a user directory and extracts the identifier from its DID
// document.
func (s *Store) LoadUser(root, shortID string) (*User, error) {
	data, err := s.DIDDocument(root, shortID)
	if err != nil {
		return nil, err
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode DID document for user %s: %w", shortID, err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("DID document for user %s has no id", shortID)
	}
	return &User{DID: doc.ID, ShortID: shortID, Dir: s.UserDir(root, shortID)}, nil
}

// ListUsers returns the short IDs of every user directory under root,
// sorted lexicographically. A missing root yields an empty list.
func (s *Store) ListUsers(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list users under %s: %w", root, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), userDirPrefix) {
			ids = append(ids, strings.TrimPrefix(e.Name(), userDirPrefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
