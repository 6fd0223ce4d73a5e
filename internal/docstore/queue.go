package docstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agentworkforce/gistdb/internal/gist"
)

// Failure reasons reported in WriteResult.
const (
	ReasonNotAuthenticated = "not_authenticated"
	ReasonAuthExpired      = "auth_expired"
	ReasonConflict         = "conflict"
	ReasonNetwork          = "network"
	ReasonInvalid          = "invalid"
)

type WriteResult struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

func (r WriteResult) Error() string {
	if r.Err == nil {
		return r.Reason
	}
	return r.Reason + ": " + r.Err.Error()
}

// mutation produces the file changes for one queued write. It runs inside
// the queue's turn and again before every retry.
type mutation func(ctx context.Context) (map[string]*string, error)

// WriteQueue lets at most one write reach the container at a time. Each
// operation waits for its predecessor to resolve, success or failure, before
// it starts.
type WriteQueue struct {
	remote    Remote
	creds     Credentials
	policy    RetryPolicy
	onSuccess func(files []string)
	onFailure func(err error)
	logger    Logger

	mu   sync.Mutex
	tail chan struct{}
}

func newWriteQueue(remote Remote, creds Credentials, policy RetryPolicy, logger Logger) *WriteQueue {
	return &WriteQueue{
		remote: remote,
		creds:  creds,
		policy: policy.withDefaults(),
		logger: logger,
	}
}

// Enqueue writes one file.
func (q *WriteQueue) Enqueue(ctx context.Context, filename, content string) WriteResult {
	return q.EnqueueBatch(ctx, map[string]*string{filename: &content})
}

// EnqueueBatch writes every change in a single request. A nil value removes
// the file.
func (q *WriteQueue) EnqueueBatch(ctx context.Context, changes map[string]*string) WriteResult {
	return <-q.EnqueueAsync(ctx, changes)
}

// EnqueueAsync reserves the operation's place in the queue before returning,
// so calls made one after another reach the network in that order.
func (q *WriteQueue) EnqueueAsync(ctx context.Context, changes map[string]*string) <-chan WriteResult {
	fixed := cloneChanges(changes)
	return q.submit(ctx, func(context.Context) (map[string]*string, error) {
		return fixed, nil
	})
}

func (q *WriteQueue) apply(ctx context.Context, m mutation) WriteResult {
	return <-q.submit(ctx, m)
}

func (q *WriteQueue) submit(ctx context.Context, m mutation) <-chan WriteResult {
	out := make(chan WriteResult, 1)
	done := make(chan struct{})
	q.mu.Lock()
	prev := q.tail
	q.tail = done
	q.mu.Unlock()

	// Callers cannot abort a queued write; they can only wait for it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		out <- q.run(ctx, m)
	}()
	return out
}

func (q *WriteQueue) run(ctx context.Context, m mutation) WriteResult {
	token := q.creds.Token()
	if token == "" {
		return WriteResult{Reason: ReasonNotAuthenticated, Err: ErrNotAuthenticated}
	}
	containerID := q.creds.ContainerID()
	if containerID == "" {
		return WriteResult{Reason: ReasonInvalid, Err: ErrNoContainer}
	}

	var written []string
	attempts, err := q.policy.Do(ctx, isConflict, func(attempt int) error {
		changes, err := m(ctx)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			written = nil
			return nil
		}
		if err := q.remote.WriteFiles(ctx, containerID, token, changes); err != nil {
			if isConflict(err) {
				q.logf("version conflict writing %s (attempt %d)", describeChanges(changes), attempt)
				if q.onFailure != nil {
					q.onFailure(err)
				}
			}
			return err
		}
		written = changeNames(changes)
		return nil
	})
	if err != nil {
		reason := classify(err)
		q.logf("write failed after %d attempt(s): %s: %v", attempts, reason, err)
		return WriteResult{Reason: reason, Attempts: attempts, Err: err}
	}
	if len(written) > 0 && q.onSuccess != nil {
		q.onSuccess(written)
	}
	return WriteResult{OK: true, Attempts: attempts}
}

func (q *WriteQueue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}

func isConflict(err error) bool {
	return errors.Is(err, gist.ErrConflict)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return ReasonNotAuthenticated
	case errors.Is(err, gist.ErrUnauthorized):
		return ReasonAuthExpired
	case errors.Is(err, gist.ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNoContainer):
		return ReasonInvalid
	default:
		return ReasonNetwork
	}
}

func cloneChanges(changes map[string]*string) map[string]*string {
	out := make(map[string]*string, len(changes))
	for name, content := range changes {
		if content == nil {
			out[name] = nil
			continue
		}
		value := *content
		out[name] = &value
	}
	return out
}

func changeNames(changes map[string]*string) []string {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func describeChanges(changes map[string]*string) string {
	names := changeNames(changes)
	if len(names) == 1 {
		return names[0]
	}
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ","
		}
		out += name
	}
	return "[" + out + "]"
}
