package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// DeleteCollection removes a collection and keeps its last content in
// _backup-<id>.json. The backup write, the file removals and the rewritten
// registry and legacy documents go out in one request. When none of the
// collection's documents exist the call succeeds without writing, so a
// repeated delete leaves the first backup alone.
func (s *Store) DeleteCollection(ctx context.Context, id string) WriteResult {
	if err := ValidateCollectionID(id); err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.queue.apply(ctx, func(ctx context.Context) (map[string]*string, error) {
		s.Invalidate()
		files, err := s.readForWrite(ctx)
		if err != nil {
			return nil, err
		}
		return s.deletionChanges(files, id)
	})
}

func (s *Store) deletionChanges(files map[string]string, id string) (map[string]*string, error) {
	backup := Backup{ID: id, DeletedAt: s.timestamp()}
	changes := map[string]*string{}

	if content, ok := files[ConfigFile(id)]; ok {
		backup.Config = backupValue(content)
		changes[ConfigFile(id)] = nil
	}
	if content, ok := files[ItemsFile(id)]; ok {
		backup.Items = backupValue(content)
		changes[ItemsFile(id)] = nil
	}

	reg, _ := decodeRegistry(files[RegistryFile])
	if entry, idx, ok := reg.Find(id); ok {
		entryCopy := entry
		backup.RegistryEntry = &entryCopy
		remaining := make([]CollectionEntry, 0, len(reg.Checklists)-1)
		remaining = append(remaining, reg.Checklists[:idx]...)
		remaining = append(remaining, reg.Checklists[idx+1:]...)
		encoded, err := marshalDocument(Registry{Checklists: remaining})
		if err != nil {
			return nil, fmt.Errorf("rewrite registry: %w", err)
		}
		changes[RegistryFile] = &encoded
	}

	legacy := decodeLegacy(files[LegacyFile])
	if raw, ok := legacy.Stats[id]; ok {
		backup.Stats = raw
		encoded, err := s.legacyWithStats(files, id, nil)
		if err != nil {
			return nil, err
		}
		changes[LegacyFile] = &encoded
	}

	if len(changes) == 0 {
		s.logf("delete %s: nothing to remove", id)
		return nil, nil
	}
	encoded, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return nil, err
	}
	backupContent := string(encoded)
	changes[BackupFile(id)] = &backupContent
	s.logf("deleting collection %s (%d document changes)", id, len(changes))
	return changes, nil
}
