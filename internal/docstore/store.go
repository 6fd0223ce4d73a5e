package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/gistdb/internal/gist"
	"github.com/agentworkforce/gistdb/internal/kv"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNoContainer      = errors.New("no container configured")
	ErrUnavailable      = errors.New("container unavailable")
)

// Remote is the container protocol. A nil value in changes removes the file.
type Remote interface {
	ReadFiles(ctx context.Context, containerID, token string) (map[string]string, error)
	WriteFiles(ctx context.Context, containerID, token string, changes map[string]*string) error
}

// Credentials exposes the current session. Both values are read at the
// moment an operation runs, so a login or logout takes effect immediately.
type Credentials interface {
	Token() string
	ContainerID() string
}

// Mirror keeps the last snapshot of each container on local disk.
type Mirror interface {
	Save(containerID string, files map[string]string) error
	Load(containerID string) (map[string]string, bool, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Remote            Remote
	Credentials       Credentials
	PublicContainerID string
	// Tab is the ephemeral store holding the registry copy. Defaults to an
	// in-memory store.
	Tab     kv.Store
	Mirror  Mirror
	Retry   RetryPolicy
	Logger  Logger
	OnWrite func(files []string)
	Now     func() time.Time
}

type Store struct {
	remote   Remote
	creds    Credentials
	publicID string
	tab      kv.Store
	mirror   Mirror
	logger   Logger
	now      func() time.Time

	cache ReadCache
	queue *WriteQueue

	mu      sync.Mutex
	tabKeys map[string]struct{}
	// rejected is the token whose last authenticated read was refused.
	// Reads go to the public container until it changes or the cache resets.
	rejected string
}

type snapshot struct {
	containerID string
	files       map[string]string
}

func New(opts Options) (*Store, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote is required", ErrInvalidInput)
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("%w: credentials are required", ErrInvalidInput)
	}
	tab := opts.Tab
	if tab == nil {
		tab = kv.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		remote:   opts.Remote,
		creds:    opts.Credentials,
		publicID: strings.TrimSpace(opts.PublicContainerID),
		tab:      tab,
		mirror:   opts.Mirror,
		logger:   opts.Logger,
		now:      now,
		tabKeys:  map[string]struct{}{},
	}
	s.queue = newWriteQueue(opts.Remote, opts.Credentials, opts.Retry, opts.Logger)
	s.queue.onFailure = func(error) { s.Invalidate() }
	s.queue.onSuccess = func(files []string) {
		s.Invalidate()
		if opts.OnWrite != nil {
			opts.OnWrite(files)
		}
	}
	return s, nil
}

// Queue exposes the raw write pipeline.
func (s *Store) Queue() *WriteQueue {
	return s.queue
}

// Invalidate drops both cached snapshots and the tab-scoped registry copy.
func (s *Store) Invalidate() {
	s.cache.Invalidate()
	s.mu.Lock()
	keys := s.tabKeys
	s.tabKeys = map[string]struct{}{}
	s.rejected = ""
	s.mu.Unlock()
	for key := range keys {
		if err := s.tab.Delete(key); err != nil {
			s.logf("drop tab cache %s: %v", key, err)
		}
	}
}

// read returns the best snapshot available to the current session: the
// authenticated container, then the public container when the token is
// missing or rejected, then the local mirror when the network fails.
func (s *Store) read(ctx context.Context) (snapshot, error) {
	token, containerID, ok := s.authedTarget()
	if !ok {
		return s.readPublic(ctx)
	}
	if files, ok := s.cache.get(slotAuthed, containerID); ok {
		return snapshot{containerID: containerID, files: files}, nil
	}
	files, err := s.remote.ReadFiles(ctx, containerID, token)
	if err == nil {
		s.cache.put(slotAuthed, containerID, files)
		s.saveMirror(containerID, files)
		return snapshot{containerID: containerID, files: files}, nil
	}
	if errors.Is(err, gist.ErrUnauthorized) {
		s.logf("authenticated read of %s rejected, using public container: %v", containerID, err)
		s.mu.Lock()
		s.rejected = token
		s.mu.Unlock()
		return s.readPublic(ctx)
	}
	return s.fromMirror(containerID, err)
}

// authedTarget reports the token and container an authenticated read would
// use. ok is false when reads belong on the public container.
func (s *Store) authedTarget() (string, string, bool) {
	token := s.creds.Token()
	containerID := s.creds.ContainerID()
	if token == "" || containerID == "" {
		return "", "", false
	}
	s.mu.Lock()
	rejected := s.rejected == token
	s.mu.Unlock()
	if rejected {
		return "", "", false
	}
	return token, containerID, true
}

func (s *Store) readPublic(ctx context.Context) (snapshot, error) {
	if s.publicID == "" {
		return snapshot{}, ErrNoContainer
	}
	if files, ok := s.cache.get(slotPublic, s.publicID); ok {
		return snapshot{containerID: s.publicID, files: files}, nil
	}
	files, err := s.remote.ReadFiles(ctx, s.publicID, "")
	if err != nil {
		return s.fromMirror(s.publicID, err)
	}
	s.cache.put(slotPublic, s.publicID, files)
	s.saveMirror(s.publicID, files)
	return snapshot{containerID: s.publicID, files: files}, nil
}

// readForWrite returns the authenticated snapshot a mutation builds on. It
// never substitutes public or mirrored content.
func (s *Store) readForWrite(ctx context.Context) (map[string]string, error) {
	token := s.creds.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	containerID := s.creds.ContainerID()
	if containerID == "" {
		return nil, ErrNoContainer
	}
	if files, ok := s.cache.get(slotAuthed, containerID); ok {
		return files, nil
	}
	files, err := s.remote.ReadFiles(ctx, containerID, token)
	if err != nil {
		return nil, err
	}
	s.cache.put(slotAuthed, containerID, files)
	return files, nil
}

func (s *Store) fromMirror(containerID string, cause error) (snapshot, error) {
	if s.mirror == nil {
		return snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	files, ok, err := s.mirror.Load(containerID)
	if err != nil || !ok {
		if err != nil {
			s.logf("mirror load %s: %v", containerID, err)
		}
		return snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, cause)
	}
	s.logf("serving %s from local mirror: %v", containerID, cause)
	return snapshot{containerID: containerID, files: files}, nil
}

func (s *Store) saveMirror(containerID string, files map[string]string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(containerID, files); err != nil {
		s.logf("mirror save %s: %v", containerID, err)
	}
}

// Snapshot returns the raw filename to content mapping visible to the
// current session and the id of the container it came from.
func (s *Store) Snapshot(ctx context.Context) (string, map[string]string, error) {
	snap, err := s.read(ctx)
	if err != nil {
		return "", nil, err
	}
	out := make(map[string]string, len(snap.files))
	for name, content := range snap.files {
		out[name] = content
	}
	return snap.containerID, out, nil
}

// Get returns one raw document. A missing document or an unreachable
// container both report ok=false.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	snap, err := s.read(ctx)
	if err != nil {
		s.logf("read %s: %v", key, err)
		return "", false
	}
	content, ok := snap.files[key]
	return content, ok
}

func (s *Store) Put(ctx context.Context, key, value string) WriteResult {
	if err := validateFilename(key); err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.queue.Enqueue(ctx, key, value)
}

func (s *Store) PutBatch(ctx context.Context, changes map[string]*string) WriteResult {
	for key := range changes {
		if err := validateFilename(key); err != nil {
			return WriteResult{Reason: ReasonInvalid, Err: err}
		}
	}
	return s.queue.EnqueueBatch(ctx, changes)
}

func (s *Store) Delete(ctx context.Context, key string) WriteResult {
	if err := validateFilename(key); err != nil {
		return WriteResult{Reason: ReasonInvalid, Err: err}
	}
	return s.queue.EnqueueBatch(ctx, map[string]*string{key: nil})
}

// update queues a read-modify-write. build sees the authenticated snapshot
// as of its turn in the queue and again after every conflict.
func (s *Store) update(ctx context.Context, build func(files map[string]string) (map[string]*string, error)) WriteResult {
	return s.queue.apply(ctx, func(ctx context.Context) (map[string]*string, error) {
		files, err := s.readForWrite(ctx)
		if err != nil {
			return nil, err
		}
		return build(files)
	})
}

func (s *Store) rememberTabKey(key string) {
	s.mu.Lock()
	s.tabKeys[key] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func validateFilename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: bad document name %q", ErrInvalidInput, name)
	}
	return nil
}
