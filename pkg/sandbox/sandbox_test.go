package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

func TestResolveRelativeWithinWorkDir(t *testing.T) {
	p := DefaultPolicy("/work/agent-1")

	abs, err := p.Resolve("notes/plan.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if abs != filepath.Join("/work/agent-1", "notes", "plan.md") {
		t.Errorf("unexpected resolved path %q", abs)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	p := DefaultPolicy("/work/agent-1")

	for _, path := range []string{
		"../other-agent/secrets.txt",
		"/etc/passwd",
		"a/../../escape",
	} {
		if _, err := p.Resolve(path); !errors.IsCode(err, errors.ErrCodeSandboxDenied) {
			t.Errorf("Resolve(%q) = %v, want SANDBOX_DENIED", path, err)
		}
	}
}

func TestResolveSiblingPrefixNotConfused(t *testing.T) {
	p := Policy{WorkDir: "/work/agent"}
	if _, err := p.Resolve("/work/agent-evil/file"); !errors.IsCode(err, errors.ErrCodeSandboxDenied) {
		t.Fatalf("sibling directory with shared prefix must be denied, got %v", err)
	}
}

func TestAllowedPrefixes(t *testing.T) {
	p := Policy{
		WorkDir:         "/work/agent-1",
		AllowedPrefixes: []string{"/shared/datasets"},
	}

	if _, err := p.Resolve("/shared/datasets/corpus.txt"); err != nil {
		t.Errorf("allowed prefix should pass, got %v", err)
	}
	if _, err := p.Resolve("/shared/other/corpus.txt"); !errors.IsCode(err, errors.ErrCodeSandboxDenied) {
		t.Errorf("non-allowed sibling should be denied, got %v", err)
	}
}

func TestDeniedGlobs(t *testing.T) {
	p := DefaultPolicy("/work/agent-1")

	for _, path := range []string{"secrets.pem", "deploy/id_rsa", ".env", "conf/.env.production"} {
		if _, err := p.Resolve(path); !errors.IsCode(err, errors.ErrCodeSandboxDenied) {
			t.Errorf("Resolve(%q) should be denied by glob, got %v", path, err)
		}
	}

	if _, err := p.Resolve("readme.md"); err != nil {
		t.Errorf("plain file should pass, got %v", err)
	}
}

func TestCheckSize(t *testing.T) {
	p := Policy{WorkDir: "/w", MaxFileSize: 100}

	if err := p.CheckSize(100); err != nil {
		t.Errorf("at-limit size should pass, got %v", err)
	}
	if err := p.CheckSize(101); !errors.IsCode(err, errors.ErrCodeSandboxDenied) {
		t.Errorf("over-limit size should fail, got %v", err)
	}

	unlimited := Policy{WorkDir: "/w"}
	if err := unlimited.CheckSize(1 << 40); err != nil {
		t.Errorf("zero cap means unlimited, got %v", err)
	}
}

func TestResolveEmptyPath(t *testing.T) {
	p := DefaultPolicy("/w")
	if _, err := p.Resolve("   "); !errors.IsCode(err, errors.ErrCodeSandboxDenied) {
		t.Fatalf("empty path should be denied, got %v", err)
	}
}
