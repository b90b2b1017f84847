// Package credentials reads the opencode per-user credential store and
// validates provider authentication before a session is opened.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// exemptProviders never require stored credentials.
var exemptProviders = map[string]bool{
	"zen":      true,
	"opencode": true,
}

// Entry is one provider's stored credential. Extra fields are kept
// opaque; only Token and Type are inspected.
type Entry struct {
	Type  string `json:"type,omitempty"`
	Token string `json:"token,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Store is the parsed credential file, keyed by provider id.
type Store struct {
	entries map[string]Entry
	path    string
}

// DefaultPath returns ~/.local/share/opencode/auth.json, honoring an
// explicit override when given.
func DefaultPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "opencode", "auth.json"), nil
}

// Load reads the credential store at path. A missing file yields an
// empty store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{entries: map[string]Entry{}, path: path}, nil
		}
		return nil, fmt.Errorf("failed to read credential store %s: %w", path, err)
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("credential store %s is malformed: %w", path, err)
	}
	return &Store{entries: entries, path: path}, nil
}

// Has reports whether a usable credential exists for a provider.
func (s *Store) Has(providerID string) bool {
	entry, ok := s.entries[providerID]
	if !ok {
		return false
	}
	return entry.Token != "" || entry.Key != "" || entry.Type == "oauth"
}

// Required reports whether a provider needs stored credentials at all.
func Required(providerID string) bool {
	return providerID != "" && !exemptProviders[providerID]
}
