package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	LegacyFile   = "sports-card-checklists.json"
	RegistryFile = "checklists-registry.json"

	TypeDynamic = "dynamic"
	TypeLegacy  = "legacy"

	tabRegistryPrefix = "registry:"
)

var collectionIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func ConfigFile(id string) string { return id + "-config.json" }
func ItemsFile(id string) string  { return id + "-cards.json" }
func BackupFile(id string) string { return "_backup-" + id + ".json" }

type CollectionEntry struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	NavLabel    string          `json:"navLabel,omitempty"`
	Description string          `json:"description,omitempty"`
	AccentColor string          `json:"accentColor,omitempty"`
	BorderColor string          `json:"borderColor,omitempty"`
	ExtraPills  json.RawMessage `json:"extraPills,omitempty"`
	Type        string          `json:"type"`
	Order       int             `json:"order"`
	Hidden      bool            `json:"hidden,omitempty"`

	// Extra holds keys this package does not model. They are written back
	// unchanged so rewriting the registry never drops another entry's data.
	Extra map[string]json.RawMessage `json:"-"`
}

type collectionEntryFields CollectionEntry

var collectionEntryKeys = map[string]struct{}{
	"id": {}, "title": {}, "navLabel": {}, "description": {}, "accentColor": {},
	"borderColor": {}, "extraPills": {}, "type": {}, "order": {}, "hidden": {},
}

func (e CollectionEntry) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(collectionEntryFields(e))
	if err != nil || len(e.Extra) == 0 {
		return known, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range e.Extra {
		if _, modelled := collectionEntryKeys[key]; modelled {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

func (e *CollectionEntry) UnmarshalJSON(data []byte) error {
	var fields collectionEntryFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key := range collectionEntryKeys {
		delete(all, key)
	}
	fields.Extra = nil
	if len(all) > 0 {
		fields.Extra = all
	}
	*e = CollectionEntry(fields)
	return nil
}

type Registry struct {
	Checklists []CollectionEntry `json:"checklists"`
}

// UnmarshalJSON also accepts a bare array of entries.
func (r *Registry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []CollectionEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return err
		}
		r.Checklists = entries
		return nil
	}
	var wire struct {
		Checklists []CollectionEntry `json:"checklists"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return err
	}
	r.Checklists = wire.Checklists
	return nil
}

func (r Registry) Find(id string) (CollectionEntry, int, bool) {
	for i, entry := range r.Checklists {
		if entry.ID == id {
			return entry, i, true
		}
	}
	return CollectionEntry{}, -1, false
}

type Stats struct {
	Owned       int     `json:"owned"`
	Total       int     `json:"total"`
	OwnedValue  float64 `json:"ownedValue"`
	NeededValue float64 `json:"neededValue"`
}

// LegacyDocument is the combined document holding ownership flags and the
// stats of every collection.
type LegacyDocument struct {
	Checklists  map[string][]string        `json:"checklists"`
	Stats       map[string]json.RawMessage `json:"stats"`
	LastUpdated string                     `json:"lastUpdated,omitempty"`
}

type Backup struct {
	ID            string           `json:"id"`
	DeletedAt     string           `json:"deletedAt"`
	Config        json.RawMessage  `json:"config,omitempty"`
	Items         json.RawMessage  `json:"items,omitempty"`
	RegistryEntry *CollectionEntry `json:"registryEntry,omitempty"`
	Stats         json.RawMessage  `json:"stats,omitempty"`
}

func ValidateCollectionID(id string) error {
	if !collectionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: collection id %q", ErrInvalidInput, id)
	}
	return nil
}

// ReadRegistry returns the registry, or an empty one when it is missing,
// malformed or unreachable. The decoded copy is kept in tab storage per
// container.
func (s *Store) ReadRegistry(ctx context.Context) Registry {
	if key := s.tabRegistryKey(); key != "" {
		if raw, ok, err := s.tab.Get(key); err == nil && ok {
			if reg, ok := decodeRegistry(raw); ok {
				return reg
			}
		}
	}
	snap, err := s.read(ctx)
	if err != nil {
		s.logf("read registry: %v", err)
		return Registry{Checklists: []CollectionEntry{}}
	}
	reg, ok := decodeRegistry(snap.files[RegistryFile])
	if !ok {
		return Registry{Checklists: []CollectionEntry{}}
	}
	if encoded, err := json.Marshal(reg); err == nil {
		key := tabRegistryPrefix + snap.containerID
		if err := s.tab.Set(key, string(encoded)); err == nil {
			s.rememberTabKey(key)
		}
	}
	return reg
}

func (s *Store) WriteRegistry(ctx context.Context, reg Registry) WriteResult {
	if reg.Checklists == nil {
		reg.Checklists = []CollectionEntry{}
	}
	encoded, err := encodeRegistry(reg)
	if err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.queue.Enqueue(ctx, RegistryFile, encoded)
}

func (s *Store) ReadConfig(ctx context.Context, id string) (json.RawMessage, bool) {
	return s.readJSON(ctx, ConfigFile(id))
}

func (s *Store) WriteConfig(ctx context.Context, id string, value json.RawMessage) WriteResult {
	return s.writeJSON(ctx, id, ConfigFile(id), value)
}

func (s *Store) ReadItems(ctx context.Context, id string) (json.RawMessage, bool) {
	return s.readJSON(ctx, ItemsFile(id))
}

func (s *Store) WriteItems(ctx context.Context, id string, value json.RawMessage) WriteResult {
	return s.writeJSON(ctx, id, ItemsFile(id), value)
}

// WriteItemsWithStats stores the items document and the collection's stats
// entry in one request.
func (s *Store) WriteItemsWithStats(ctx context.Context, id string, items json.RawMessage, stats Stats) WriteResult {
	if err := ValidateCollectionID(id); err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	itemsContent, err := indentJSON(items)
	if err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.update(ctx, func(files map[string]string) (map[string]*string, error) {
		legacy, err := s.legacyWithStats(files, id, &stats)
		if err != nil {
			return nil, err
		}
		return map[string]*string{
			ItemsFile(id): &itemsContent,
			LegacyFile:    &legacy,
		}, nil
	})
}

// ReadAllStats returns every stats entry in the legacy document. Entries
// that do not decode are skipped.
func (s *Store) ReadAllStats(ctx context.Context) map[string]Stats {
	out := map[string]Stats{}
	snap, err := s.read(ctx)
	if err != nil {
		s.logf("read stats: %v", err)
		return out
	}
	doc := decodeLegacy(snap.files[LegacyFile])
	for id, raw := range doc.Stats {
		var st Stats
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		out[id] = st
	}
	return out
}

// WriteStats merges one stats entry into the legacy document.
func (s *Store) WriteStats(ctx context.Context, id string, stats Stats) WriteResult {
	if err := ValidateCollectionID(id); err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.update(ctx, func(files map[string]string) (map[string]*string, error) {
		legacy, err := s.legacyWithStats(files, id, &stats)
		if err != nil {
			return nil, err
		}
		return map[string]*string{LegacyFile: &legacy}, nil
	})
}

// ReadOwned returns the owned item ids recorded under listID.
func (s *Store) ReadOwned(ctx context.Context, listID string) []string {
	snap, err := s.read(ctx)
	if err != nil {
		s.logf("read owned %s: %v", listID, err)
		return []string{}
	}
	owned := decodeLegacy(snap.files[LegacyFile]).Checklists[listID]
	if owned == nil {
		return []string{}
	}
	return append([]string(nil), owned...)
}

func (s *Store) WriteOwned(ctx context.Context, listID string, itemIDs []string) WriteResult {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		return WriteResult{Reason: ReasonInvalid, Err: fmt.Errorf("%w: list id is required", ErrInvalidInput)}
	}
	if itemIDs == nil {
		itemIDs = []string{}
	}
	return s.update(ctx, func(files map[string]string) (map[string]*string, error) {
		doc := decodeLegacy(files[LegacyFile])
		doc.Checklists[listID] = append([]string(nil), itemIDs...)
		doc.LastUpdated = s.timestamp()
		encoded, err := marshalDocument(doc)
		if err != nil {
			return nil, err
		}
		return map[string]*string{LegacyFile: &encoded}, nil
	})
}

// CreateCollection writes the config, an empty items document and the
// registry with the new entry appended in one request, then records zeroed
// stats. The returned entry carries the assigned order.
func (s *Store) CreateCollection(ctx context.Context, entry CollectionEntry, config json.RawMessage) (CollectionEntry, WriteResult) {
	entry.ID = strings.TrimSpace(entry.ID)
	if err := ValidateCollectionID(entry.ID); err != nil {
		return entry, WriteResult{Reason: ReasonInvalid, Err: err}
	}
	if len(bytes.TrimSpace(config)) == 0 {
		config = json.RawMessage(`{}`)
	}
	configContent, err := indentJSON(config)
	if err != nil {
		return entry, WriteResult{Reason: ReasonInvalid, Err: err}
	}
	itemsContent, err := indentJSON(emptyItemsFor(config))
	if err != nil {
		return entry, WriteResult{Reason: ReasonInvalid, Err: err}
	}
	if entry.Title == "" {
		entry.Title = entry.ID
	}
	if entry.NavLabel == "" {
		entry.NavLabel = entry.Title
	}
	entry.Type = TypeDynamic

	created := entry
	res := s.update(ctx, func(files map[string]string) (map[string]*string, error) {
		reg, _ := decodeRegistry(files[RegistryFile])
		if _, _, exists := reg.Find(entry.ID); exists {
			return nil, fmt.Errorf("%w: collection %q already exists", ErrInvalidInput, entry.ID)
		}
		next := entry
		next.Order = len(reg.Checklists)
		if err := validateEntry(next); err != nil {
			return nil, err
		}
		reg.Checklists = append(append([]CollectionEntry(nil), reg.Checklists...), next)
		registryContent, err := marshalDocument(reg)
		if err != nil {
			return nil, err
		}
		created = next
		return map[string]*string{
			ConfigFile(entry.ID): &configContent,
			ItemsFile(entry.ID):  &itemsContent,
			RegistryFile:         &registryContent,
		}, nil
	})
	if !res.OK {
		return created, res
	}
	statsRes := s.WriteStats(ctx, entry.ID, Stats{})
	statsRes.Attempts += res.Attempts
	return created, statsRes
}

func (s *Store) ReadPublicConfig(ctx context.Context, id string) (json.RawMessage, bool) {
	return s.readPublicJSON(ctx, ConfigFile(id))
}

func (s *Store) ReadPublicItems(ctx context.Context, id string) (json.RawMessage, bool) {
	return s.readPublicJSON(ctx, ItemsFile(id))
}

func (s *Store) ReadBackup(ctx context.Context, id string) (Backup, bool) {
	raw, ok := s.readJSON(ctx, BackupFile(id))
	if !ok {
		return Backup{}, false
	}
	var b Backup
	if err := json.Unmarshal(raw, &b); err != nil {
		return Backup{}, false
	}
	return b, true
}

func (s *Store) readJSON(ctx context.Context, name string) (json.RawMessage, bool) {
	content, ok := s.Get(ctx, name)
	if !ok || !json.Valid([]byte(content)) {
		return nil, false
	}
	return json.RawMessage(content), true
}

func (s *Store) readPublicJSON(ctx context.Context, name string) (json.RawMessage, bool) {
	snap, err := s.readPublic(ctx)
	if err != nil {
		s.logf("public read %s: %v", name, err)
		return nil, false
	}
	content, ok := snap.files[name]
	if !ok || !json.Valid([]byte(content)) {
		return nil, false
	}
	return json.RawMessage(content), true
}

func (s *Store) writeJSON(ctx context.Context, id, name string, value json.RawMessage) WriteResult {
	if err := ValidateCollectionID(id); err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	content, err := indentJSON(value)
	if err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.queue.Enqueue(ctx, name, content)
}

func (s *Store) legacyWithStats(files map[string]string, id string, stats *Stats) (string, error) {
	doc := decodeLegacy(files[LegacyFile])
	if stats == nil {
		delete(doc.Stats, id)
	} else {
		raw, err := json.Marshal(stats)
		if err != nil {
			return "", err
		}
		doc.Stats[id] = raw
	}
	doc.LastUpdated = s.timestamp()
	return marshalDocument(doc)
}

func (s *Store) tabRegistryKey() string {
	if _, id, ok := s.authedTarget(); ok {
		return tabRegistryPrefix + id
	}
	if s.publicID == "" {
		return ""
	}
	return tabRegistryPrefix + s.publicID
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func decodeRegistry(raw string) (Registry, bool) {
	if strings.TrimSpace(raw) == "" {
		return Registry{Checklists: []CollectionEntry{}}, false
	}
	var reg Registry
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return Registry{Checklists: []CollectionEntry{}}, false
	}
	if reg.Checklists == nil {
		reg.Checklists = []CollectionEntry{}
	}
	return reg, true
}

func encodeRegistry(reg Registry) (string, error) {
	encoded, err := marshalDocument(reg)
	if err != nil {
		return "", err
	}
	if err := validateRegistry([]byte(encoded), reg); err != nil {
		return "", err
	}
	return encoded, nil
}

func decodeLegacy(raw string) LegacyDocument {
	var doc LegacyDocument
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &doc)
	}
	if doc.Checklists == nil {
		doc.Checklists = map[string][]string{}
	}
	if doc.Stats == nil {
		doc.Stats = map[string]json.RawMessage{}
	}
	return doc
}

// emptyItemsFor derives the initial items document from the config's
// declared categories: {"categories": {id: []}} when there are any, a flat
// empty list otherwise.
func emptyItemsFor(config json.RawMessage) json.RawMessage {
	var shape struct {
		Categories []json.RawMessage `json:"categories"`
	}
	if err := json.Unmarshal(config, &shape); err != nil || len(shape.Categories) == 0 {
		return json.RawMessage(`[]`)
	}
	categories := map[string][]any{}
	for _, raw := range shape.Categories {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			categories[name] = []any{}
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
			categories[obj.ID] = []any{}
		}
	}
	if len(categories) == 0 {
		return json.RawMessage(`[]`)
	}
	out, err := json.Marshal(map[string]any{"categories": categories})
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return out
}

func marshalDocument(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func indentJSON(raw json.RawMessage) (string, error) {
	if !json.Valid(raw) {
		return "", fmt.Errorf("%w: document is not valid JSON", ErrInvalidInput)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return buf.String(), nil
}

// backupValue keeps JSON content as-is and wraps anything else as a string.
func backupValue(content string) json.RawMessage {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}
