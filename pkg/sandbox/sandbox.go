// Package sandbox provides the filesystem policy that restricts which paths
// a tool may touch on behalf of an agent. Enforcement is by path checks in
// the dispatch context, not by filesystem permissions.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

// Policy configures the sandbox for one agent configuration.
type Policy struct {
	// WorkDir is the agent's exclusively owned working directory. Relative
	// paths resolve against it and it is always an allowed prefix.
	WorkDir string

	// AllowedPrefixes are additional absolute path prefixes tools may access.
	AllowedPrefixes []string

	// DeniedGlobs are glob patterns (matched against the cleaned absolute
	// path and its base name) that are refused even inside allowed prefixes.
	DeniedGlobs []string

	// MaxFileSize caps the size in bytes of a single file read or write.
	// Zero means no cap.
	MaxFileSize int64
}

// DefaultPolicy returns a policy confined to the given working directory.
func DefaultPolicy(workDir string) Policy {
	return Policy{
		WorkDir: workDir,
		DeniedGlobs: []string{
			"*.pem",
			"*.key",
			".env",
			".env.*",
			"id_rsa*",
		},
		MaxFileSize: 10 * 1024 * 1024,
	}
}

// Resolve normalizes a tool-supplied path against the working directory and
// validates it against the policy. It returns the cleaned absolute path.
func (p Policy) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New(errors.ErrCodeSandboxDenied, "empty path")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.WorkDir, abs)
	}
	abs = filepath.Clean(abs)

	if err := p.checkPrefix(abs); err != nil {
		return "", err
	}
	if err := p.checkDenied(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// CheckSize validates a payload size against the policy file-size cap.
func (p Policy) CheckSize(size int64) error {
	if p.MaxFileSize > 0 && size > p.MaxFileSize {
		return errors.Newf(errors.ErrCodeSandboxDenied, "file exceeds size limit").
			WithContext("size", size).
			WithContext("max", p.MaxFileSize)
	}
	return nil
}

// CheckFile validates an existing file's size on disk. Missing files pass;
// the caller surfaces its own not-found error.
func (p Policy) CheckFile(abs string) error {
	info, err := os.Stat(abs)
	if err != nil {
		return nil
	}
	return p.CheckSize(info.Size())
}

func (p Policy) checkPrefix(abs string) error {
	for _, prefix := range p.allowedRoots() {
		if prefix == "" {
			continue
		}
		if within(prefix, abs) {
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeSandboxDenied, "path outside sandbox").
		WithContext("path", abs)
}

func (p Policy) checkDenied(abs string) error {
	base := filepath.Base(abs)
	for _, pattern := range p.DeniedGlobs {
		if matched, _ := filepath.Match(pattern, base); matched {
			return errors.Newf(errors.ErrCodeSandboxDenied, "path matches denied pattern").
				WithContext("path", abs).
				WithContext("pattern", pattern)
		}
		if matched, _ := filepath.Match(pattern, abs); matched {
			return errors.Newf(errors.ErrCodeSandboxDenied, "path matches denied pattern").
				WithContext("path", abs).
				WithContext("pattern", pattern)
		}
	}
	return nil
}

func (p Policy) allowedRoots() []string {
	roots := make([]string, 0, len(p.AllowedPrefixes)+1)
	if p.WorkDir != "" {
		roots = append(roots, filepath.Clean(p.WorkDir))
	}
	for _, prefix := range p.AllowedPrefixes {
		roots = append(roots, filepath.Clean(prefix))
	}
	return roots
}

// within reports whether abs sits at or under root. Plain HasPrefix is not
// enough: /tmp/work-evil must not match root /tmp/work.
func within(root, abs string) bool {
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}
