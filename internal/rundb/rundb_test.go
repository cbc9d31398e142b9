package rundb

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	d, err := Open(filepath.Join(dir, CurrentSchemaVersion.Filename()), 0, "delete the run-database and retry")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSchemaVersionFilename(t *testing.T) {
	v := SchemaVersion{Major: 0, Minor: 4}
	if got, want := v.Filename(), "runs-0.4.sqlite"; got != want {
		t.Errorf("Filename() = %q, want %q", got, want)
	}
}

func TestGetAndRegisterToolInstanceDBIDIsStable(t *testing.T) {
	d := openTestDB(t)
	platform := []byte("platform")
	tool := []byte("tool")
	fp := []byte("fingerprint")

	id1, err := d.GetAndRegisterToolInstanceDBID(platform, tool, fp)
	if err != nil {
		t.Fatalf("GetAndRegisterToolInstanceDBID: %v", err)
	}
	id2, err := d.GetAndRegisterToolInstanceDBID(platform, tool, fp)
	if err != nil {
		t.Fatalf("GetAndRegisterToolInstanceDBID (second call): %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ across calls: %d vs %d", id1, id2)
	}

	otherID, err := d.GetAndRegisterToolInstanceDBID(platform, tool, []byte("other-fingerprint"))
	if err != nil {
		t.Fatalf("GetAndRegisterToolInstanceDBID (distinct fp): %v", err)
	}
	if otherID == id1 {
		t.Error("distinct fingerprints produced the same tool instance id")
	}
}

func TestUpdateDependenciesAndStateRoundTrip(t *testing.T) {
	d := openTestDB(t)
	id, err := d.GetAndRegisterToolInstanceDBID([]byte("p"), []byte("t"), []byte("fp"))
	if err != nil {
		t.Fatalf("GetAndRegisterToolInstanceDBID: %v", err)
	}

	err = d.UpdateDependenciesAndState(id,
		[]FsInputUpdate{
			{Path: "a/b/", IsExplicit: true, MemoBefore: []byte{1, 2, 3}},
			{Path: "c/", IsExplicit: false, MemoBefore: nil},
		},
		map[Aspect][]byte{
			AspectResult:               ResultNotRequested,
			AspectExecutionParameters:  []byte{9, 9},
			AspectEnvironmentVariables: []byte{8},
		},
		nil,
	)
	if err != nil {
		t.Fatalf("UpdateDependenciesAndState: %v", err)
	}

	inputs, err := d.GetFsObjectInputs(id, nil)
	if err != nil {
		t.Fatalf("GetFsObjectInputs: %v", err)
	}
	if len(inputs) != 2 {
		t.Fatalf("len(inputs) = %d, want 2", len(inputs))
	}
	if !inputs["a/b/"].IsExplicit {
		t.Error("a/b/ should be explicit")
	}
	if inputs["c/"].IsExplicit {
		t.Error("c/ should not be explicit")
	}

	state, err := d.GetRedoState(id)
	if err != nil {
		t.Fatalf("GetRedoState: %v", err)
	}
	if len(state[AspectResult]) != 0 {
		t.Errorf("AspectResult = %v, want empty", state[AspectResult])
	}
}

func TestUpdateDependenciesAndStateInvalidatesDependentsByPrefix(t *testing.T) {
	d := openTestDB(t)
	id, err := d.GetAndRegisterToolInstanceDBID([]byte("p"), []byte("t"), []byte("fp"))
	if err != nil {
		t.Fatalf("GetAndRegisterToolInstanceDBID: %v", err)
	}
	if err := d.UpdateDependenciesAndState(id, []FsInputUpdate{
		{Path: "dir/file/", IsExplicit: true, MemoBefore: []byte{1}},
	}, nil, nil); err != nil {
		t.Fatalf("UpdateDependenciesAndState (seed): %v", err)
	}

	if err := d.UpdateDependenciesAndState(id, nil, nil, []string{"dir/"}); err != nil {
		t.Fatalf("UpdateDependenciesAndState (invalidate): %v", err)
	}

	inputs, err := d.GetFsObjectInputs(id, nil)
	if err != nil {
		t.Fatalf("GetFsObjectInputs: %v", err)
	}
	if inputs["dir/file/"].MemoBefore != nil {
		t.Errorf("MemoBefore = %v, want nil after prefix invalidation", inputs["dir/file/"].MemoBefore)
	}
}

func TestUpdateRunSummaryClampsToNonNegative(t *testing.T) {
	d := openTestDB(t)
	future := time.Now().Add(time.Hour) // duration would be negative
	summary, err := d.UpdateRunSummary(future, -5, -1)
	if err != nil {
		t.Fatalf("UpdateRunSummary: %v", err)
	}
	if summary.DurationNs < 0 || summary.NonredoCount < 0 || summary.RedoCount < 0 {
		t.Errorf("summary has negative fields: %+v", summary)
	}
}

func TestCleanupRemovesUnreferencedToolInstances(t *testing.T) {
	d := openTestDB(t)
	id, err := d.GetAndRegisterToolInstanceDBID([]byte("p"), []byte("t"), []byte("fp"))
	if err != nil {
		t.Fatalf("GetAndRegisterToolInstanceDBID: %v", err)
	}
	if err := d.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	inputs, err := d.GetFsObjectInputs(id, nil)
	if err != nil {
		t.Fatalf("GetFsObjectInputs: %v", err)
	}
	if len(inputs) != 0 {
		t.Errorf("expected no inputs after cleanup of unreferenced instance, got %d", len(inputs))
	}
}
