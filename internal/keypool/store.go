// Package keypool manages the rotating pool of upstream credentials.
package keypool

import (
	"fmt"
	"os"
	"strings"
)

// Store reads credentials from a newline-delimited file. Offline tooling
// rewrites the file in place; the store always reads it fresh.
type Store struct {
	path string
}

// NewStore creates a store for the given credential file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential file. One secret per line; surrounding
// whitespace is trimmed, blank lines and '#' comments are skipped.
func (s *Store) Load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read credential file %q: %w", s.path, err)
	}

	var secrets []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		secrets = append(secrets, line)
	}
	return secrets, nil
}
