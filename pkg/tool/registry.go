package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
	"github.com/hearthconnect/otto-sub000/pkg/logging"
	"github.com/hearthconnect/otto-sub000/pkg/telemetry"
)

// Registry holds the shared tool table. Dispatch is safe to call
// concurrently from many executors; registration is serialized against
// concurrent readers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetLogger attaches a structured logger for dispatch warnings.
func (r *Registry) SetLogger(logger *logging.Logger) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Register inserts a tool. A name collision fails with already_registered
// and leaves the original registration in place.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "tool must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return errors.New(errors.ErrCodeAlreadyRegistered, "tool already registered").
			WithContext("name", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Unregister removes a tool by name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the named tool and whether it exists.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch resolves a tool, enforces the permission-subset rule, and
// invokes the handler. A caller with no permissions is denied all tools;
// a tool requiring no permissions always passes the check. Handler
// panics are caught and reified as structured errors.
func (r *Registry) Dispatch(name string, params map[string]any, tctx *Context) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		telemetry.RecordToolDispatch("tool_not_found")
		return nil, errors.New(errors.ErrCodeToolNotFound, "tool not found").
			WithContext("name", name)
	}

	if tctx == nil {
		tctx = &Context{}
	}
	if missing := tctx.Permissions.Missing(t.Permissions()); len(missing) > 0 {
		telemetry.RecordToolDispatch("permission_denied")
		return nil, errors.New(errors.ErrCodePermissionDenied, "caller lacks required permissions").
			WithContext("name", name).
			WithContext("missing", permissionNames(missing))
	}

	result, err := r.invoke(t, params, tctx)
	if err != nil {
		telemetry.RecordToolDispatch("error")
		return nil, err
	}

	if result == nil {
		// Unrecognized result shape: pass through, warn.
		r.warn("tool_result_missing", "tool returned no result", map[string]any{"name": name})
		result = &Result{}
	}
	telemetry.RecordToolDispatch("ok")
	return result, nil
}

func (r *Registry) invoke(t Tool, params map[string]any, tctx *Context) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.RecordToolDispatch("panic")
			if exit, ok := rec.(ExitRequest); ok {
				result = nil
				err = errors.New(errors.ErrCodeToolExit, "tool requested exit").
					WithContext("name", t.Name()).
					WithContext("code", exit.Code).
					WithContext("detail", exit.Detail)
				return
			}
			result = nil
			err = errors.New(errors.ErrCodeToolExecution, "tool handler crashed").
				WithContext("name", t.Name()).
				WithContext("detail", fmt.Sprint(rec))
		}
	}()

	result, err = t.Call(params, tctx)
	if err != nil {
		if _, ok := err.(*errors.Error); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeToolExecution, "tool handler failed").
			WithContext("name", t.Name())
	}
	return result, nil
}

func (r *Registry) warn(eventType, message string, details map[string]any) {
	r.mu.RLock()
	logger := r.logger
	r.mu.RUnlock()
	if logger != nil {
		logger.Warn(logging.CategoryTool, eventType, message, details)
	}
}

func permissionNames(perms []Permission) []string {
	names := make([]string, len(perms))
	for i, perm := range perms {
		names[i] = string(perm)
	}
	return names
}
