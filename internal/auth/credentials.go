package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const credentialsFileName = ".credentials.json"

// Credential is a stored OAuth credential for one provider.
type Credential struct {
	Type    string `json:"type,omitempty"` // "oauth"
	Refresh string `json:"refresh,omitempty"`
	Access  string `json:"access,omitempty"`
	Expires int64  `json:"expires,omitempty"` // absolute expiry, unix milliseconds
}

// Empty reports whether the credential is a blank record, which is what
// logout leaves behind.
func (c Credential) Empty() bool {
	return c.Access == "" && c.Refresh == ""
}

// CredentialStore persists credentials per working directory. The on-disk
// format is {"<provider>": {type, refresh, access, expires}} with restricted
// permissions; every save is atomic (temp file + rename).
type CredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewCredentialStore creates a store rooted in the given directory.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{path: filepath.Join(dir, credentialsFileName)}
}

// Get returns the stored credential for a provider. The second return is
// false when no usable record exists.
func (s *CredentialStore) Get(provider string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return Credential{}, false, err
	}
	cred, ok := records[provider]
	if !ok || cred.Empty() {
		return Credential{}, false, nil
	}
	return cred, true, nil
}

// Put stores a credential for a provider, preserving other providers'
// records.
func (s *CredentialStore) Put(provider string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[provider] = cred
	return s.save(records)
}

// Clear overwrites a provider's record with an empty one. Deliberately not
// a deletion: the file keeps an auditable trace that a login existed.
func (s *CredentialStore) Clear(provider string) error {
	return s.Put(provider, Credential{})
}

func (s *CredentialStore) load() (map[string]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	records := map[string]Credential{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return records, nil
}

func (s *CredentialStore) save(records map[string]Credential) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := s.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}
