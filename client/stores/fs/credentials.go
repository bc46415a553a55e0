// Package fs keeps credvault client session credentials in a JSON file.
package fs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/panyam/credvault/client"
	"github.com/panyam/credvault/internal/fileutil"
)

// CredentialsFile is the default file name inside the config directory
const CredentialsFile = "credentials.json"

type fileContents struct {
	// server origin -> credential
	Servers map[string]*client.ServerCredential `json:"servers"`
}

// FileStore is a client.CredentialStore backed by one JSON file. Changes are
// held in memory until Save.
type FileStore struct {
	path string

	mu    sync.RWMutex
	creds map[string]*client.ServerCredential
	dirty bool
}

var _ client.CredentialStore = (*FileStore)(nil)

// DefaultPath returns <user config dir>/<appName>/credentials.json
func DefaultPath(appName string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("no config directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "credvault"
	}
	return filepath.Join(dir, appName, CredentialsFile), nil
}

// OpenFileStore loads credentials from path, or from DefaultPath(appName)
// when path is empty. A missing file is an empty store.
func OpenFileStore(path, appName string) (*FileStore, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(appName); err != nil {
			return nil, err
		}
	}

	var contents fileContents
	if _, err := fileutil.LoadJSON(path, &contents); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, creds: make(map[string]*client.ServerCredential, len(contents.Servers))}
	for key, cred := range contents.Servers {
		if cred == nil {
			return nil, fmt.Errorf("credential for %s in %s is null", key, path)
		}
		s.creds[key] = cred
	}
	return s, nil
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

// origin reduces a server URL to scheme://host. A missing scheme means https.
func origin(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + u.Host, nil
}

func (s *FileStore) GetCredential(serverURL string) (*client.ServerCredential, error) {
	key, err := origin(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cred, ok := s.creds[key]; ok {
		c := *cred
		return &c, nil
	}
	return nil, nil
}

func (s *FileStore) SetCredential(serverURL string, cred *client.ServerCredential) error {
	key, err := origin(serverURL)
	if err != nil {
		return err
	}
	c := *cred
	s.mu.Lock()
	s.creds[key] = &c
	s.dirty = true
	s.mu.Unlock()
	return nil
}

func (s *FileStore) RemoveCredential(serverURL string) error {
	key, err := origin(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[key]; ok {
		delete(s.creds, key)
		s.dirty = true
	}
	return nil
}

// ListServers returns the stored server origins in sorted order
func (s *FileStore) ListServers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.creds))
	for k := range s.creds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Save writes pending changes. The file is replaced atomically with mode 0600.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := fileutil.SaveJSON(context.Background(), s.path, fileContents{Servers: s.creds}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	s.dirty = false
	return nil
}
