package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hearthconnect/otto-sub000/pkg/config"
	"github.com/hearthconnect/otto-sub000/pkg/errors"
	"github.com/hearthconnect/otto-sub000/pkg/logging"
	"github.com/hearthconnect/otto-sub000/pkg/telemetry"
)

// Registry tracks live executors by identity. At most one registration
// per key; stale entries are released when their executor terminates.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Executor
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *Registry {
	return &Registry{entries: make(map[string]*Executor)}
}

// Register inserts an executor under the identity key. A second live
// registration for the same key fails with already_registered.
func (r *Registry) Register(identity string, exec *Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[identity]; exists {
		return errors.New(errors.ErrCodeAlreadyRegistered, "identity already registered").
			WithContext("identity", identity)
	}
	r.entries[identity] = exec
	return nil
}

// Release removes the identity, if present.
func (r *Registry) Release(identity string) {
	r.mu.Lock()
	delete(r.entries, identity)
	r.mu.Unlock()
}

// Get returns the executor registered under the identity.
func (r *Registry) Get(identity string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.entries[identity]
	return exec, ok
}

// List returns the registered identities, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]string, 0, len(r.entries))
	for identity := range r.entries {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Handle identifies one supervised executor.
type Handle struct {
	Identity  string
	SessionID string

	exec     *Executor
	requests chan invokeRequest
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	inflight atomic.Bool
}

type invokeRequest struct {
	ctx   context.Context
	task  Task
	reply chan invokeReply
}

type invokeReply struct {
	result *InvokeResult
	err    error
}

// Supervisor spawns one goroutine per executor and isolates crashes:
// a panicking executor is reaped and released without affecting
// siblings or the supervisor itself.
type Supervisor struct {
	registry *Registry
	deps     Deps

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewSupervisor creates a supervisor sharing one set of collaborators.
func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		registry: NewAgentRegistry(),
		deps:     deps,
		handles:  make(map[string]*Handle),
	}
}

// Registry exposes the identity table.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start validates the configuration, registers the executor under the
// agent name, and spawns its goroutine. The identity is released
// automatically when the executor terminates for any reason.
func (s *Supervisor) Start(cfg *config.AgentConfig) (*Handle, error) {
	exec, err := NewExecutor(cfg, s.deps)
	if err != nil {
		return nil, err
	}

	identity := cfg.Name
	if err := s.registry.Register(identity, exec); err != nil {
		exec.Stop()
		return nil, err
	}

	h := &Handle{
		Identity:  identity,
		SessionID: exec.SessionID(),
		exec:      exec,
		requests:  make(chan invokeRequest),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[identity] = h
	s.mu.Unlock()

	go s.supervise(h)
	return h, nil
}

// supervise is the executor's goroutine: it serves invocations until
// stopped or crashed, then releases the registration.
func (s *Supervisor) supervise(h *Handle) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.RecordExecutorCrash()
			s.log(logging.LevelError, "executor_crashed", fmt.Sprint(rec), map[string]any{
				"identity": h.Identity,
			})
		}
		h.exec.Stop()
		s.registry.Release(h.Identity)
		s.mu.Lock()
		delete(s.handles, h.Identity)
		s.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case req := <-h.requests:
			result, err, crashed := s.serveInvoke(h, req)
			req.reply <- invokeReply{result: result, err: err}
			if crashed {
				return
			}
		case <-h.stop:
			return
		}
	}
}

// serveInvoke runs one invocation, converting a panic into a structured
// error for the caller. A crash terminates this executor only.
func (s *Supervisor) serveInvoke(h *Handle, req invokeRequest) (result *InvokeResult, err error, crashed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			crashed = true
			telemetry.RecordExecutorCrash()
			s.log(logging.LevelError, "executor_crashed", fmt.Sprint(rec), map[string]any{
				"identity": h.Identity,
			})
			result = nil
			err = errors.New(errors.ErrCodeInternal, "executor crashed during invocation").
				WithContext("identity", h.Identity).
				WithContext("detail", fmt.Sprint(rec))
		}
	}()
	result, err = h.exec.Invoke(req.ctx, req.task)
	return result, err, false
}

// Invoke submits a task to a supervised executor. A busy executor
// rejects immediately; requests are never queued.
func (s *Supervisor) Invoke(ctx context.Context, h *Handle, task Task) (*InvokeResult, error) {
	if !h.inflight.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrCodeExecutorBusy, "executor has an invocation in flight").
			WithContext("identity", h.Identity)
	}
	defer h.inflight.Store(false)

	req := invokeRequest{ctx: ctx, task: task, reply: make(chan invokeReply, 1)}

	select {
	case h.requests <- req:
	case <-h.done:
		return nil, errors.New(errors.ErrCodeExecutorStopped, "executor is terminated").
			WithContext("identity", h.Identity)
	}

	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-h.done:
		// A crashing executor sends its structured reply before closing
		// done; prefer that reply over the generic stopped error.
		select {
		case reply := <-req.reply:
			return reply.result, reply.err
		default:
		}
		return nil, errors.New(errors.ErrCodeExecutorStopped, "executor terminated during invocation").
			WithContext("identity", h.Identity)
	}
}

// Status reports a snapshot of the supervised executor.
func (s *Supervisor) Status(h *Handle) Snapshot {
	return h.exec.Status()
}

// Stop terminates one executor and waits for its goroutine to exit.
func (s *Supervisor) Stop(h *Handle) {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// StopAll terminates every supervised executor concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			s.Stop(h)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) log(level logging.Level, eventType, message string, details map[string]any) {
	if s.deps.Logger == nil {
		return
	}
	_ = s.deps.Logger.Log(logging.Event{
		Level:     level,
		Category:  logging.CategorySupervisor,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}
