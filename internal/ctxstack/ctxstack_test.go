package ctxstack

import (
	"os"
	"path/filepath"
	"testing"
)

func newRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".dlbroot"), 0o777); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	return dir
}

func TestEnterRootThenChildThenExit(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{MaxParallelRedoCount: 2})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	if rootCtx.Parent() != nil {
		t.Error("root context must have no parent")
	}

	child, err := EnterChild(EnterChildOptions{})
	if err != nil {
		t.Fatalf("EnterChild: %v", err)
	}
	if child.Parent() != rootCtx {
		t.Error("child's parent must be the root context")
	}

	if _, err := Active(); err != nil {
		t.Fatalf("Active: %v", err)
	}

	if err := child.Exit(false); err != nil {
		t.Fatalf("child.Exit: %v", err)
	}
	if err := rootCtx.Exit(false); err != nil {
		t.Fatalf("rootCtx.Exit: %v", err)
	}

	if _, err := Active(); err == nil {
		t.Error("expected NotRunningError after exiting the root context")
	}
}

func TestExitingNonInnermostContextFails(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	defer func() { _ = rootCtx.Exit(false) }()

	child, err := EnterChild(EnterChildOptions{})
	if err != nil {
		t.Fatalf("EnterChild: %v", err)
	}
	defer func() { _ = child.Exit(false) }()

	if err := rootCtx.Exit(false); err == nil {
		t.Error("expected error exiting a non-innermost context")
	}
}

func TestEnvVarDictImportSetDeleteAndValidation(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	defer func() { _ = rootCtx.Exit(false) }()

	if err := rootCtx.Env().ImportFromOuter("LANG", "[A-Za-z][A-Za-z0-9_.-]*", "C"); err != nil {
		t.Fatalf("ImportFromOuter: %v", err)
	}
	if !rootCtx.Env().IsImported("LANG") {
		t.Error("LANG should be imported")
	}
	if err := rootCtx.Env().Set("LANG", "en_US.UTF-8"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := rootCtx.Env().Get("LANG"); !ok || v != "en_US.UTF-8" {
		t.Errorf("Get(LANG) = (%q, %v), want (en_US.UTF-8, true)", v, ok)
	}
	if err := rootCtx.Env().Set("LANG", "123"); err == nil {
		t.Error("expected validation error setting a value that violates the import pattern")
	}
	if err := rootCtx.Env().Delete("LANG"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := rootCtx.Env().Get("LANG"); ok {
		t.Error("LANG should no longer have a value after Delete")
	}
}

func TestEnvVarDictSetRejectsUnimported(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	defer func() { _ = rootCtx.Exit(false) }()

	if err := rootCtx.Env().Set("NOT_IMPORTED", "x"); err == nil {
		t.Error("expected error setting a variable that was never imported")
	}
}

func TestHelperDictExplicitBinding(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	defer func() { _ = rootCtx.Exit(false) }()

	if err := rootCtx.Helper().Set("cc", "/usr/bin/gcc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p, ok := rootCtx.Helper().Get("cc", false)
	if !ok || p != "/usr/bin/gcc" {
		t.Errorf("Get(cc) = (%q, %v), want (/usr/bin/gcc, true)", p, ok)
	}
}

func TestWorkingTreePathOfRejectsUpwardsPath(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	defer func() { _ = rootCtx.Exit(false) }()

	if _, err := rootCtx.WorkingTreePathOf("../escape", true, false, false); err == nil {
		t.Error("expected error for an upwards path")
	}
}

func TestWorkingTreePathOfRejectsNonPermittedManagementSubtree(t *testing.T) {
	root := newRoot(t)
	rootCtx, err := EnterRoot(root, EnterRootOptions{})
	if err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	defer func() { _ = rootCtx.Exit(false) }()

	if _, err := rootCtx.WorkingTreePathOf(".dlbroot/lock", false, false, false); err == nil {
		t.Error("expected error accessing a non-permitted part of the management tree")
	}
}
