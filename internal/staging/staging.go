// Package staging owns the on-disk layout under the per-user data directory:
// one JSON file per launch under temp_configs/ and one directory per client
// under user_uploads/.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	configDirName  = "temp_configs"
	uploadsDirName = "user_uploads"
)

var (
	// ErrInvalidName is returned for empty names or names that try to leave
	// the client's directory.
	ErrInvalidName = errors.New("invalid file name")
	// ErrNotFound is returned when a staged file does not exist.
	ErrNotFound = errors.New("file not found")
)

// Area is the file staging area rooted at a base directory.
type Area struct {
	base       string
	configDir  string
	uploadsDir string
}

// New creates the base, config and uploads directories if needed.
func New(base string) (*Area, error) {
	a := &Area{
		base:       base,
		configDir:  filepath.Join(base, configDirName),
		uploadsDir: filepath.Join(base, uploadsDirName),
	}
	for _, dir := range []string{a.configDir, a.uploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return a, nil
}

// Base returns the root directory.
func (a *Area) Base() string { return a.base }

// ClientDir is the staging directory for clientID. It is not created.
func (a *Area) ClientDir(clientID string) string {
	return filepath.Join(a.uploadsDir, clientID)
}

// EnsureClientDir creates the client's directory if absent and returns its
// absolute path.
func (a *Area) EnsureClientDir(clientID string) (string, error) {
	if !ValidComponent(clientID) {
		return "", ErrInvalidName
	}
	dir, err := filepath.Abs(a.ClientDir(clientID))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// WriteConfig serializes doc to a uniquely named file and returns its path.
func (a *Area) WriteConfig(doc map[string]interface{}) (string, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	path := filepath.Join(a.configDir, "config_"+uuid.NewString()+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// RemoveConfig deletes a file written by WriteConfig. Paths outside the
// config directory are ignored.
func (a *Area) RemoveConfig(path string) {
	if path == "" || filepath.Dir(path) != a.configDir {
		return
	}
	_ = os.Remove(path)
}

// Save writes r to the client's directory under a sanitized version of
// filename, replacing any existing file. It returns the stored name.
func (a *Area) Save(clientID, filename string, r io.Reader) (string, error) {
	name := SecureFilename(filename)
	if name == "" {
		return "", ErrInvalidName
	}
	dir, err := a.EnsureClientDir(clientID)
	if err != nil {
		return "", err
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// Path resolves a stored file for retrieval.
func (a *Area) Path(clientID, filename string) (string, error) {
	if !ValidComponent(clientID) || !ValidComponent(filename) {
		return "", ErrInvalidName
	}
	path := filepath.Join(a.ClientDir(clientID), filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// RemoveClient deletes the client's directory tree. Errors are swallowed.
func (a *Area) RemoveClient(clientID string) {
	if !ValidComponent(clientID) {
		return
	}
	_ = os.RemoveAll(a.ClientDir(clientID))
}

// ValidComponent rejects empty names and anything containing a parent
// directory sequence or a path separator.
func ValidComponent(name string) bool {
	if name == "" || name == "." {
		return false
	}
	return !strings.Contains(name, "..") && !strings.ContainsAny(name, `/\`)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces name to a safe ASCII basename: separators become
// spaces, runs of whitespace become underscores, other unsafe characters are
// dropped and leading dots and underscores are trimmed. "../../etc/passwd"
// becomes "etc_passwd". The result may be empty.
func SecureFilename(name string) string {
	name = strings.NewReplacer("/", " ", `\`, " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	return strings.Trim(name, "._")
}

// CheckWritable creates and removes a probe file under the base directory.
func (a *Area) CheckWritable() error {
	f, err := os.CreateTemp(a.base, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
