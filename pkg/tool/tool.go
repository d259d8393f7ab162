package tool

import (
	"sort"

	"github.com/hearthconnect/otto-sub000/pkg/budget"
	"github.com/hearthconnect/otto-sub000/pkg/sandbox"
)

// Permission is one capability a tool may require from its caller.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionExec    Permission = "exec"
	PermissionNetwork Permission = "network"
)

// PermissionSet is the set of capabilities granted to a caller.
type PermissionSet map[Permission]bool

// NewPermissionSet builds a set from permission names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		set[Permission(name)] = true
	}
	return set
}

// Missing returns the required permissions absent from the set, sorted.
// An empty set is missing everything required; an empty requirement is
// never missing anything.
func (ps PermissionSet) Missing(required []Permission) []Permission {
	var missing []Permission
	for _, perm := range required {
		if !ps[perm] {
			missing = append(missing, perm)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Names returns the granted permission names, sorted.
func (ps PermissionSet) Names() []string {
	names := make([]string, 0, len(ps))
	for perm, granted := range ps {
		if granted {
			names = append(names, string(perm))
		}
	}
	sort.Strings(names)
	return names
}

// Result is the outcome of one tool call.
type Result struct {
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Context is the snapshot handed to a tool for one dispatch. It carries
// the caller's working directory, granted permissions, sandbox policy,
// and a read-only view of remaining budget.
type Context struct {
	SessionID   string
	WorkDir     string
	Permissions PermissionSet
	Sandbox     *sandbox.Policy
	Budget      budget.Status
}

// Tool is one invocable capability.
type Tool interface {
	Name() string
	Description() string
	Permissions() []Permission
	Call(params map[string]any, tctx *Context) (*Result, error)
}

// ExitRequest aborts a tool call with an explicit exit. Handlers panic
// with this value; dispatch reifies it as a structured error instead of
// letting it take down the caller.
type ExitRequest struct {
	Code   int
	Detail string
}
