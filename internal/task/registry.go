package task

import "sync"

// Registry maps variable UIDs to the task ids their in-flight computations
// own, and counts how many variables reference each task. When the last
// referencing variable releases, the release callback fires so the owner can
// decrement the server-side subscriber count.
type Registry struct {
	mu         sync.Mutex
	byVariable map[string]map[string]struct{}
	refs       map[string]int

	// release is invoked outside the lock for every task whose count hit
	// zero. May be nil.
	release func(taskID string)
}

// NewRegistry creates a registry. release may be nil when the caller handles
// zero-count tasks via the Release return value instead.
func NewRegistry(release func(taskID string)) *Registry {
	return &Registry{
		byVariable: make(map[string]map[string]struct{}),
		refs:       make(map[string]int),
		release:    release,
	}
}

// Claim records that the variable's pending computation owns taskID. Claiming
// a task the variable already owns is a no-op; a claim by a new variable
// increments the task's reference count.
func (r *Registry) Claim(variableUID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.byVariable[variableUID]
	if !ok {
		owned = make(map[string]struct{})
		r.byVariable[variableUID] = owned
	}
	if _, already := owned[taskID]; already {
		return
	}
	owned[taskID] = struct{}{}
	r.refs[taskID]++
}

// Release drops all task ownership for the variable, decrementing each owned
// task's reference count. It returns the task ids whose count reached zero;
// for each of those the release callback has already been invoked.
func (r *Registry) Release(variableUID string) []string {
	r.mu.Lock()
	owned, ok := r.byVariable[variableUID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byVariable, variableUID)

	var orphaned []string
	for taskID := range owned {
		r.refs[taskID]--
		if r.refs[taskID] <= 0 {
			delete(r.refs, taskID)
			orphaned = append(orphaned, taskID)
		}
	}
	r.mu.Unlock()

	if r.release != nil {
		for _, taskID := range orphaned {
			r.release(taskID)
		}
	}
	return orphaned
}

// Has reports whether the variable currently owns any task.
func (r *Registry) Has(variableUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byVariable[variableUID]) > 0
}

// Tasks returns the task ids owned by the variable.
func (r *Registry) Tasks(variableUID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.byVariable[variableUID]
	out := make([]string, 0, len(owned))
	for taskID := range owned {
		out = append(out, taskID)
	}
	return out
}

// Refs reports how many variables currently reference taskID.
func (r *Registry) Refs(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[taskID]
}
