// Package session manages the per-instance credential directory the
// protocol library's session lives in: creation on demand, corruption
// detection, and deletion on logout or bad-session.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Store owns the sessions directory root. The engine holds one Store;
// each instance's directory is Store.Dir(instanceID).
type Store struct {
	baseDir string
}

// New returns a Store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the path of instanceID's session directory.
func (s *Store) Dir(instanceID string) string {
	return filepath.Join(s.baseDir, "auth-"+instanceID)
}

// EnsureDir creates the instance's session directory on demand.
func (s *Store) EnsureDir(instanceID string) error {
	dir := s.Dir(instanceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure session dir %s: %w", dir, err)
	}
	return nil
}

// Wipe deletes the instance's entire session directory. Safe to call when
// the directory does not exist.
func (s *Store) Wipe(instanceID string) error {
	if err := os.RemoveAll(s.Dir(instanceID)); err != nil {
		return fmt.Errorf("wipe session dir for %s: %w", instanceID, err)
	}
	return nil
}

// credsFileName is the well-known credential file name inside an instance's
// session directory, standing in for the real pairing library's own file.
const credsFileName = "creds.json"

// ValidateCredentials attempts to parse the instance's credential file as
// structured data before handing the directory to the protocol library. If
// the file is missing, this is simply "no session yet" (not an error). If
// the file exists but is empty or malformed, it is deleted (falling back to
// deleting the whole directory if unlink fails) and the caller is told to
// treat this as a fresh start — non-fatal.
func (s *Store) ValidateCredentials(instanceID string) (freshStart bool, err error) {
	path := filepath.Join(s.Dir(instanceID), credsFileName)

	data, readErr := os.ReadFile(path)
	if os.IsNotExist(readErr) {
		return true, nil
	}
	if readErr != nil {
		return false, fmt.Errorf("read credentials for %s: %w", instanceID, readErr)
	}

	if len(data) == 0 || !json.Valid(data) {
		if rmErr := os.Remove(path); rmErr != nil {
			if wipeErr := s.Wipe(instanceID); wipeErr != nil {
				return false, fmt.Errorf("corrupt credentials for %s, wipe also failed: %w", instanceID, wipeErr)
			}
		}
		return true, nil
	}

	return false, nil
}

// WriteCredentials persists the protocol library's credential bytes for
// instanceID, creating the session directory first if necessary.
func (s *Store) WriteCredentials(instanceID string, data []byte) error {
	if err := s.EnsureDir(instanceID); err != nil {
		return err
	}
	path := filepath.Join(s.Dir(instanceID), credsFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials for %s: %w", instanceID, err)
	}
	return nil
}

// legacyAuthPattern matches the old "auth-<id>" naming this engine expects;
// anything under the sessions root NOT matching it is a legacy artefact.
var legacyAuthPattern = regexp.MustCompile(`^auth-.+$`)

// CleanLegacy removes legacy session artefacts on startup: any entry under
// the sessions directory that does not match auth-<id>, and any
// auth_info*-prefixed directory at repoRoot (the pre-engine on-disk layout).
func CleanLegacy(repoRoot, sessionsDir string) error {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	for _, e := range entries {
		if !legacyAuthPattern.MatchString(e.Name()) {
			_ = os.RemoveAll(filepath.Join(sessionsDir, e.Name()))
		}
	}

	rootEntries, err := os.ReadDir(repoRoot)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read repo root: %w", err)
	}
	for _, e := range rootEntries {
		if strings.HasPrefix(e.Name(), "auth_info") {
			_ = os.RemoveAll(filepath.Join(repoRoot, e.Name()))
		}
	}

	return nil
}
