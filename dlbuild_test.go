package dlbuild

import (
	"os"
	"path/filepath"
	"testing"
)

func newWorkingTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".dlbroot"), 0o777); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	return root
}

func compileRoles() []RoleSpec {
	return []RoleSpec{
		{Name: "source_file", Role: Role{Kind: RegularFileInput, Required: true, Explicit: true}},
	}
}

func TestRunSkipsRedoWhenDependencyUnchanged(t *testing.T) {
	root := newWorkingTree(t)
	if err := os.WriteFile(filepath.Join(root, "main.c"), []byte("int main(){}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	redoCount := 0
	compile, err := NewTool("CompileFacade", compileRoles(), nil, func(result *Result, ctx any) (bool, error) {
		redoCount++
		return false, nil
	})
	if err != nil {
		t.Fatalf("NewTool: %v", err)
	}

	runOnce := func() {
		err := Run(root, Config{MaxParallelRedoCount: 2}, func(ctx *Context) error {
			inst, err := compile.NewInstance(ctx, map[string]any{"source_file": "main.c"})
			if err != nil {
				return err
			}
			handle, err := ctx.Start(inst, false)
			if err != nil {
				return err
			}
			_, err = handle.Complete()
			return err
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	runOnce()
	runOnce()

	if redoCount != 1 {
		t.Errorf("redoCount = %d, want 1 (second Run should find the dependency unchanged)", redoCount)
	}
}

func TestRunPropagatesFnError(t *testing.T) {
	root := newWorkingTree(t)
	sentinel := os.ErrInvalid

	err := Run(root, Config{}, func(ctx *Context) error {
		return sentinel
	})
	if err != sentinel {
		t.Errorf("Run error = %v, want %v", err, sentinel)
	}
}

func TestContextEnterChildSharesEngine(t *testing.T) {
	root := newWorkingTree(t)

	err := Run(root, Config{}, func(ctx *Context) error {
		child, err := ctx.EnterChild()
		if err != nil {
			return err
		}
		defer func() { _ = child.Exit(false) }()
		if child.engine != ctx.engine {
			t.Error("a child context should share its parent's redo engine")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestContextClusterClosesWithoutError(t *testing.T) {
	root := newWorkingTree(t)

	err := Run(root, Config{}, func(ctx *Context) error {
		cl := ctx.Cluster("scanning sources", Info, true, false)
		defer cl.Close()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}
