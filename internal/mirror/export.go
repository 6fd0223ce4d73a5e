package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const exportStateFile = ".gistdb-export.json"

type ExportResult struct {
	Written   []string `json:"written"`
	Removed   []string `json:"removed"`
	Unchanged int      `json:"unchanged"`
	Kept      []string `json:"kept,omitempty"`
}

type exportState struct {
	ContainerID string            `json:"containerId"`
	Files       map[string]string `json:"files"`
}

// Export writes the mirrored documents of containerID into targetDir, one
// file per document. Documents that vanished since the previous export are
// removed, unless they were edited locally since; those are kept and
// reported.
func (m *Mirror) Export(containerID, targetDir string) (ExportResult, error) {
	var result ExportResult
	files, ok, err := m.Load(containerID)
	if err != nil {
		return result, err
	}
	if !ok {
		return result, fmt.Errorf("no mirrored snapshot for %s", containerID)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return result, err
	}
	statePath := filepath.Join(targetDir, exportStateFile)
	state, err := loadExportState(statePath)
	if err != nil {
		return result, err
	}
	if state.ContainerID != "" && state.ContainerID != containerID {
		return result, fmt.Errorf("%s already holds an export of %s", targetDir, state.ContainerID)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	next := map[string]string{}
	for _, name := range names {
		localPath, err := exportPath(targetDir, name)
		if err != nil {
			m.logf("export %s: skipping %q: %v", containerID, name, err)
			continue
		}
		content := []byte(files[name])
		hash := hashBytes(content)
		next[name] = hash
		if current, err := os.ReadFile(localPath); err == nil && hashBytes(current) == hash {
			result.Unchanged++
			continue
		}
		if err := writeFileAtomic(localPath, content, 0o644); err != nil {
			return result, err
		}
		result.Written = append(result.Written, name)
	}

	stale := make([]string, 0)
	for name := range state.Files {
		if _, ok := next[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		localPath, err := exportPath(targetDir, name)
		if err != nil {
			continue
		}
		current, readErr := os.ReadFile(localPath)
		if readErr != nil {
			continue
		}
		if hashBytes(current) != state.Files[name] {
			result.Kept = append(result.Kept, name)
			continue
		}
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result, err
		}
		result.Removed = append(result.Removed, name)
	}

	data, err := json.Marshal(exportState{ContainerID: containerID, Files: next})
	if err != nil {
		return result, err
	}
	if err := writeFileAtomic(statePath, data, 0o644); err != nil {
		return result, err
	}
	return result, nil
}

func loadExportState(path string) (exportState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exportState{Files: map[string]string{}}, nil
		}
		return exportState{}, err
	}
	var state exportState
	if err := json.Unmarshal(data, &state); err != nil {
		return exportState{}, fmt.Errorf("decode export state: %w", err)
	}
	if state.Files == nil {
		state.Files = map[string]string{}
	}
	return state, nil
}

func exportPath(targetDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == exportStateFile || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("unsafe document name")
	}
	return filepath.Join(targetDir, name), nil
}
