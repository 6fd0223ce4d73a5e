package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrInvalidContainer = errors.New("invalid container id")

type Logger interface {
	Printf(format string, args ...any)
}

// Mirror keeps the most recent snapshot of each container as one JSON file
// under dir. It is best effort: callers log failures and carry on.
type Mirror struct {
	dir    string
	logger Logger
	now    func() time.Time

	mu     sync.Mutex
	hashes map[string]string
}

type snapshotFile struct {
	ContainerID string            `json:"containerId"`
	SavedAt     string            `json:"savedAt"`
	Hash        string            `json:"hash"`
	Files       map[string]string `json:"files"`
}

func New(dir string, logger Logger) (*Mirror, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("mirror directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Mirror{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		hashes: map[string]string{},
	}, nil
}

func (m *Mirror) Dir() string {
	return m.dir
}

// Save records files for containerID. An unchanged snapshot is not
// rewritten.
func (m *Mirror) Save(containerID string, files map[string]string) error {
	path, err := m.snapshotPath(containerID)
	if err != nil {
		return err
	}
	hash := hashFiles(files)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[containerID] == hash {
		return nil
	}
	if existing, ok := readSnapshot(path); ok && existing.Hash == hash {
		m.hashes[containerID] = hash
		return nil
	}
	data, err := json.MarshalIndent(snapshotFile{
		ContainerID: containerID,
		SavedAt:     m.now().UTC().Format(time.RFC3339Nano),
		Hash:        hash,
		Files:       files,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return err
	}
	m.hashes[containerID] = hash
	m.logf("mirrored %d documents of %s", len(files), containerID)
	return nil
}

func (m *Mirror) Load(containerID string) (map[string]string, bool, error) {
	path, err := m.snapshotPath(containerID)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode mirror %s: %w", containerID, err)
	}
	if snap.Files == nil {
		snap.Files = map[string]string{}
	}
	return snap.Files, true, nil
}

func (m *Mirror) snapshotPath(containerID string) (string, error) {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" || strings.ContainsAny(containerID, `/\`) || strings.HasPrefix(containerID, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidContainer, containerID)
	}
	return filepath.Join(m.dir, containerID+".json"), nil
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func readSnapshot(path string) (snapshotFile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshotFile{}, false
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshotFile{}, false
	}
	return snap, true
}

func hashFiles(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(files[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
