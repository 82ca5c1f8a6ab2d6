// Package storage keeps attachment and knowledge files under a root
// directory on the local filesystem.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Prefixes group objects by what owns them.
const (
	PrefixAttachments = "inbox-attachments"
	PrefixKnowledge   = "agent-knowledge"
)

// ErrInvalidKey is returned for keys that escape the root or are empty.
var ErrInvalidKey = errors.New("storage: invalid key")

// Local stores objects as files below root.
type Local struct {
	root string
}

// NewLocal creates root if needed and returns a Local store.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// Key joins prefix and key unless key already starts with prefix.
func Key(prefix, key string) string {
	clean := strings.TrimLeft(key, "/")
	if strings.HasPrefix(clean, prefix+"/") {
		return clean
	}
	return prefix + "/" + clean
}

// Path resolves key to a file path inside root.
func (l *Local) Path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.root, clean), nil
}

// Put writes r to key, replacing any existing object, and returns the
// number of bytes written.
func (l *Local) Put(key string, r io.Reader) (int64, error) {
	path, err := l.Path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("storage: put %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("storage: put %s: %w", key, err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("storage: put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("storage: put %s: %w", key, err)
	}
	return n, nil
}

// Read returns the whole object at key.
func (l *Local) Read(key string) ([]byte, error) {
	path, err := l.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether an object is stored at key.
func (l *Local) Exists(key string) bool {
	path, err := l.Path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
