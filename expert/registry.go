package expert

import (
	"slices"
	"sync"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/engine"
)

// Registry owns at most one Expert per board, created on first use.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	experts map[string]*Expert
	closed  bool
}

// NewRegistry creates an empty registry that builds experts from deps.
func NewRegistry(deps Deps) (*Registry, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Registry{deps: deps, experts: make(map[string]*Expert)}, nil
}

// Get returns the board's expert, creating it if needed. Concurrent calls
// for the same board observe the same instance.
func (r *Registry) Get(boardID string) (*Expert, error) {
	if err := boardlog.ValidateBoardID(boardID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, engine.ErrClosed
	}
	if x, ok := r.experts[boardID]; ok {
		return x, nil
	}
	x, err := New(boardID, r.deps)
	if err != nil {
		return nil, err
	}
	r.experts[boardID] = x
	return x, nil
}

// Lookup returns an existing expert without creating one.
func (r *Registry) Lookup(boardID string) (*Expert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x, ok := r.experts[boardID]
	return x, ok
}

// Remove closes and forgets a board's expert. It reports whether one existed.
func (r *Registry) Remove(boardID string) bool {
	r.mu.Lock()
	x, ok := r.experts[boardID]
	delete(r.experts, boardID)
	r.mu.Unlock()
	if ok {
		x.Close()
	}
	return ok
}

// Boards lists boards with a live expert, sorted.
func (r *Registry) Boards() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.experts))
	for id := range r.experts {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// FindTask searches every live expert for a task id.
func (r *Registry) FindTask(taskID string) (*Expert, *engine.Task, bool) {
	r.mu.Lock()
	experts := make([]*Expert, 0, len(r.experts))
	for _, x := range r.experts {
		experts = append(experts, x)
	}
	r.mu.Unlock()

	for _, x := range experts {
		if t, ok := x.Lookup(taskID); ok {
			return x, t, true
		}
	}
	return nil, nil, false
}

// CloseAll closes every expert and refuses further Gets.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	experts := r.experts
	r.experts = make(map[string]*Expert)
	r.closed = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, x := range experts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.Close()
		}()
	}
	wg.Wait()
}
