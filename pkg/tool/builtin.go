package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hearthconnect/otto-sub000/pkg/contextstore"
	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", errors.New(errors.ErrCodeToolExecution, "missing required parameter").
			WithContext("parameter", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", errors.New(errors.ErrCodeToolExecution, "parameter must be a non-empty string").
			WithContext("parameter", key)
	}
	return value, nil
}

// ReadFileTool reads a file inside the caller's sandbox.
type ReadFileTool struct{}

func (ReadFileTool) Name() string        { return "read_file" }
func (ReadFileTool) Description() string { return "Read the contents of a file" }
func (ReadFileTool) Permissions() []Permission {
	return []Permission{PermissionRead}
}

func (ReadFileTool) Call(params map[string]any, tctx *Context) (*Result, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}

	abs := path
	if tctx.Sandbox != nil {
		abs, err = tctx.Sandbox.Resolve(path)
		if err != nil {
			return nil, err
		}
		if err := tctx.Sandbox.CheckFile(abs); err != nil {
			return nil, err
		}
	} else if !filepath.IsAbs(abs) {
		abs = filepath.Join(tctx.WorkDir, abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeToolExecution, "failed to read file").
			WithContext("path", path)
	}
	return &Result{
		Content: string(data),
		Data:    map[string]any{"path": abs, "size": len(data)},
	}, nil
}

// WriteFileTool writes a file inside the caller's sandbox.
type WriteFileTool struct{}

func (WriteFileTool) Name() string        { return "write_file" }
func (WriteFileTool) Description() string { return "Write content to a file" }
func (WriteFileTool) Permissions() []Permission {
	return []Permission{PermissionWrite}
}

func (WriteFileTool) Call(params map[string]any, tctx *Context) (*Result, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, errors.New(errors.ErrCodeToolExecution, "parameter must be a string").
			WithContext("parameter", "content")
	}

	abs := path
	if tctx.Sandbox != nil {
		abs, err = tctx.Sandbox.Resolve(path)
		if err != nil {
			return nil, err
		}
		if err := tctx.Sandbox.CheckSize(int64(len(content))); err != nil {
			return nil, err
		}
	} else if !filepath.IsAbs(abs) {
		abs = filepath.Join(tctx.WorkDir, abs)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeToolExecution, "failed to create parent directory").
			WithContext("path", path)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeToolExecution, "failed to write file").
			WithContext("path", path)
	}
	return &Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), abs),
		Data:    map[string]any{"path": abs, "size": len(content)},
	}, nil
}

// ListDirTool lists a directory inside the caller's sandbox.
type ListDirTool struct{}

func (ListDirTool) Name() string        { return "list_dir" }
func (ListDirTool) Description() string { return "List entries of a directory" }
func (ListDirTool) Permissions() []Permission {
	return []Permission{PermissionRead}
}

func (ListDirTool) Call(params map[string]any, tctx *Context) (*Result, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		path = "."
	}

	abs := path
	if tctx.Sandbox != nil {
		var err error
		abs, err = tctx.Sandbox.Resolve(path)
		if err != nil {
			return nil, err
		}
	} else if !filepath.IsAbs(abs) {
		abs = filepath.Join(tctx.WorkDir, abs)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeToolExecution, "failed to list directory").
			WithContext("path", path)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	content := ""
	for _, name := range names {
		content += name + "\n"
	}
	return &Result{
		Content: content,
		Data:    map[string]any{"path": abs, "count": len(names)},
	}, nil
}

// ContextTool exposes the shared context table to agents: get, put,
// delete, and list operations keyed under the caller's session.
type ContextTool struct {
	Store *contextstore.Store
}

func (ContextTool) Name() string        { return "context" }
func (ContextTool) Description() string { return "Read and write shared context entries" }
func (ContextTool) Permissions() []Permission {
	return nil
}

func (ct ContextTool) Call(params map[string]any, tctx *Context) (*Result, error) {
	if ct.Store == nil {
		return nil, errors.New(errors.ErrCodeToolExecution, "context store not configured")
	}
	op, err := stringParam(params, "op")
	if err != nil {
		return nil, err
	}

	switch op {
	case "put":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		value, ok := params["value"].(string)
		if !ok {
			return nil, errors.New(errors.ErrCodeToolExecution, "parameter must be a string").
				WithContext("parameter", "value")
		}
		if err := ct.Store.Put(key, []byte(value), nil); err != nil {
			return nil, err
		}
		return &Result{Content: "stored " + key}, nil

	case "get":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		entry, err := ct.Store.Get(key)
		if err != nil {
			return nil, err
		}
		return &Result{Content: string(entry.Data)}, nil

	case "delete":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		if err := ct.Store.Delete(key); err != nil {
			return nil, err
		}
		return &Result{Content: "deleted " + key}, nil

	case "list":
		keys := ct.Store.List()
		sort.Strings(keys)
		content := ""
		for _, key := range keys {
			content += key + "\n"
		}
		return &Result{Content: content, Data: map[string]any{"count": len(keys)}}, nil

	default:
		return nil, errors.New(errors.ErrCodeToolExecution, "unknown context operation").
			WithContext("op", op)
	}
}

// RegisterBuiltins registers the standard tool set. The context tool is
// only registered when a store is provided.
func RegisterBuiltins(r *Registry, store *contextstore.Store) error {
	tools := []Tool{ReadFileTool{}, WriteFileTool{}, ListDirTool{}}
	if store != nil {
		tools = append(tools, ContextTool{Store: store})
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
