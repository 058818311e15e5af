package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/lock"
	"github.com/sells-group/bid-analyzer/internal/model"
)

// ErrAlreadyRunning is returned when a non-terminal run exists for any
// component of the requested opportunity key.
var ErrAlreadyRunning = eris.New("pipeline: run already active for opportunity")

// Registry tracks the active run per opportunity key component. The
// check-and-claim happens under one mutex; when a Locker is set the claim is
// also taken across processes before it becomes visible locally.
type Registry struct {
	mu     sync.Mutex
	active map[string]string // lock key -> run id
	locker lock.Locker
}

// NewRegistry creates a registry. locker may be nil for single-process use.
func NewRegistry(locker lock.Locker) *Registry {
	return &Registry{active: make(map[string]string), locker: locker}
}

// Claim registers runID as the active run for key. It returns
// ErrAlreadyRunning, wrapped with the holder's run id when known, if any
// key component is taken.
func (r *Registry) Claim(ctx context.Context, key model.NaturalKey, runID string) error {
	keys := key.LockKeys()
	if len(keys) == 0 {
		return model.ErrMissingKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range keys {
		if holder, ok := r.active[k]; ok {
			return eris.Wrapf(ErrAlreadyRunning, "%s held by run %s", k, holder)
		}
	}
	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, keys, runID)
		if err != nil {
			return eris.Wrap(err, "pipeline: distributed claim")
		}
		if !ok {
			return eris.Wrapf(ErrAlreadyRunning, "%s held by another process", key)
		}
	}
	for _, k := range keys {
		r.active[k] = runID
	}
	return nil
}

// Release drops runID's claim on key. Entries held by a different run are
// left untouched.
func (r *Registry) Release(ctx context.Context, key model.NaturalKey, runID string) {
	keys := key.LockKeys()

	r.mu.Lock()
	defer r.mu.Unlock()

	var owned []string
	for _, k := range keys {
		if r.active[k] == runID {
			delete(r.active, k)
			owned = append(owned, k)
		}
	}
	if r.locker != nil && len(owned) > 0 {
		if err := r.locker.Release(ctx, owned, runID); err != nil {
			zap.L().Warn("pipeline: release distributed claim", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// Extend refreshes the distributed claim for a long-running run. It is a
// no-op without a Locker.
func (r *Registry) Extend(ctx context.Context, key model.NaturalKey, runID string) error {
	if r.locker == nil {
		return nil
	}
	return r.locker.Extend(ctx, key.LockKeys(), runID)
}

// Active returns the run id holding any component of key.
func (r *Registry) Active(key model.NaturalKey) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range key.LockKeys() {
		if id, ok := r.active[k]; ok {
			return id, true
		}
	}
	return "", false
}
