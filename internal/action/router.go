package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Router dispatches actions to the executor registered for their client id.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	executors map[string]Executor
	logger    Logger
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		executors: make(map[string]Executor),
		logger:    noopLogger{},
	}
}

// SetLogger sets the router's logger.
func (r *Router) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Register binds an executor to a client id, replacing any previous one.
func (r *Router) Register(clientID string, e Executor) {
	r.mu.Lock()
	r.executors[clientID] = e
	r.mu.Unlock()
}

// Clients returns the registered client ids, sorted.
func (r *Router) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute runs one action. A failing executor yields Success=false and an
// error wrapping ErrExecution; it never panics the caller.
func (r *Router) Execute(ctx context.Context, a Action) (res Result, err error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}

	r.mu.RLock()
	e, ok := r.executors[a.ClientID]
	logger := r.logger
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownClient, a.ClientID)
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("action executor panic recovered", "action", a.Ref(), "panic", p)
			res = Result{}
			err = fmt.Errorf("%w: %s: panic: %v", ErrExecution, a.Ref(), p)
		}
	}()

	logger.Info("executing action", "action", a.Ref(), "name", a.Name)
	res, err = e.Execute(ctx, a.ToolName, inputCopy(a.Input))
	if err != nil {
		logger.Warn("action failed", "action", a.Ref(), "error", err)
		return Result{Success: false, Output: res.Output}, fmt.Errorf("%w: %s: %w", ErrExecution, a.Ref(), err)
	}
	return res, nil
}

// Tools collects the catalogue of every executor that can describe its
// tools. Executors that fail to list are skipped with a warning.
func (r *Router) Tools(ctx context.Context) []Tool {
	r.mu.RLock()
	listers := make(map[string]Lister)
	for id, e := range r.executors {
		if l, ok := e.(Lister); ok {
			listers[id] = l
		}
	}
	logger := r.logger
	r.mu.RUnlock()

	var out []Tool
	for id, l := range listers {
		tools, err := l.Tools(ctx)
		if err != nil {
			logger.Warn("listing tools failed", "client_id", id, "error", err)
			continue
		}
		for _, t := range tools {
			t.ClientID = id
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
