package depaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fredrikaverpil/dlbuild/internal/depend"
	"github.com/fredrikaverpil/dlbuild/internal/fsx"
)

func TestInstanceIDDependsOnExplicitAndEnvName(t *testing.T) {
	a := InstanceID(depend.Role{Kind: depend.KindRegularFileInput, Explicit: true}, "")
	b := InstanceID(depend.Role{Kind: depend.KindRegularFileInput, Explicit: false}, "")
	if string(a) == string(b) {
		t.Error("explicit and non-explicit roles of the same kind must have distinct instance ids")
	}

	e1 := InstanceID(depend.Role{Kind: depend.KindEnvVarInput, Explicit: true}, "PATH")
	e2 := InstanceID(depend.Role{Kind: depend.KindEnvVarInput, Explicit: true}, "LANG")
	if string(e1) == string(e2) {
		t.Error("distinct environment variable names must have distinct instance ids")
	}
}

func TestInstanceIDDoesNotDependOnRequired(t *testing.T) {
	a := InstanceID(depend.Role{Kind: depend.KindRegularFileInput, Explicit: true, Required: true}, "")
	b := InstanceID(depend.Role{Kind: depend.KindRegularFileInput, Explicit: true, Required: false}, "")
	if string(a) != string(b) {
		t.Error("'required' must not affect the instance id")
	}
}

func TestValueIDNilVsEmpty(t *testing.T) {
	nilID := ValueID(depend.Role{Kind: depend.KindRegularFileInput}, nil)
	emptyID := ValueID(depend.Role{Kind: depend.KindRegularFileInput}, []any{})
	if string(nilID) == string(emptyID) {
		t.Error("a nil value set and an empty value set must have distinct value ids")
	}
}

func TestCheckMemoEnforcesKindShape(t *testing.T) {
	regularMemo := fsx.Memo{Stat: &fsx.StatSummary{Mode: uint32(0)}}
	regularMemo.Stat.Mode = regularFileMode(t)
	if err := CheckMemo(depend.KindDirectoryInput, regularMemo); err == nil {
		t.Error("expected error checking a regular-file memo against a directory role")
	}
	if err := CheckMemo(depend.KindRegularFileInput, regularMemo); err != nil {
		t.Errorf("CheckMemo: %v", err)
	}
}

func regularFileMode(t *testing.T) uint32 {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := os.Lstat(p)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	return uint32(info.Mode())
}

func TestTreatAsModifiedAfterRedo(t *testing.T) {
	if !TreatAsModifiedAfterRedo(depend.KindDirectoryOutput, false) {
		t.Error("non-regular-file outputs must always be treated as modified")
	}
	if TreatAsModifiedAfterRedo(depend.KindRegularFileOutput, false) {
		t.Error("a regular-file output without replace-by-same-content must not be pre-marked modified")
	}
	if !TreatAsModifiedAfterRedo(depend.KindRegularFileOutput, true) {
		t.Error("replace-by-same-content must pre-mark the output modified")
	}
}

func TestReplaceRegularFileKeepsIdenticalContent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "src"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "dst"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var messages []string
	changed, err := Replace(depend.KindRegularFileOutput, root, "src", "dst", false, func(m string) { messages = append(messages, m) })
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if changed {
		t.Error("Replace reported a change for identical content")
	}
	if _, err := os.Stat(filepath.Join(root, "src")); !os.IsNotExist(err) {
		t.Error("source should have been removed when content was identical")
	}
	if len(messages) != 1 {
		t.Errorf("expected one diagnostic message, got %d", len(messages))
	}
}

func TestReplaceRegularFileReplacesDifferentContent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "src"), []byte("new"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "dst"), []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	changed, err := Replace(depend.KindRegularFileOutput, root, "src", "dst", false, nil)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !changed {
		t.Error("Replace should report a change for different content")
	}
	got, err := os.ReadFile(filepath.Join(root, "dst"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("dst content = %q, want %q", got, "new")
	}
}
