// Package rundb implements the engine's persisted run database (spec §4.B,
// §3). It is backed by a single-writer embedded SQL store — modernc.org/sqlite,
// a pure-Go, cgo-free driver — opened with exclusive locking and deferred
// transactions, the way theRebelliousNerd-codenerd wires the same driver for
// its own embedded store.
package rundb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/fredrikaverpil/dlbuild/internal/dlberr"
)

// SchemaVersion identifies the run-database schema. Different versions never
// share a file; the version is baked into the database filename.
type SchemaVersion struct {
	Major, Minor int
}

// Filename returns the canonical database filename for v, e.g. "runs-0.4.sqlite".
func (v SchemaVersion) Filename() string {
	return fmt.Sprintf("runs-%d.%d.sqlite", v.Major, v.Minor)
}

// CurrentSchemaVersion is the schema version this package implements.
var CurrentSchemaVersion = SchemaVersion{Major: 0, Minor: 4}

// Aspect names one of the three redo-state dimensions persisted per tool
// instance.
type Aspect int

const (
	// AspectResult holds the redo-request flag of the last successful redo:
	// []byte{1} if a redo was requested, []byte{} otherwise.
	AspectResult Aspect = iota
	// AspectExecutionParameters holds the execution-parameter digest.
	AspectExecutionParameters
	// AspectEnvironmentVariables holds the environment-variable digest.
	AspectEnvironmentVariables
)

// ResultRequested and ResultNotRequested are the only two valid encodings
// of AspectResult's memo_digest (invariant 3 of §3).
var (
	ResultRequested    = []byte{1}
	ResultNotRequested = []byte{}
)

// FsInputRow is one row of ToolInstFsInput.
type FsInputRow struct {
	IsExplicit bool
	MemoBefore []byte // nil means "modified since last redo, comparison impossible"
}

// RunSummary is one row of a completed Run.
type RunSummary struct {
	StartTime  time.Time
	DurationNs int64
	NonredoCount int64
	RedoCount    int64
}

const maxUncommittedOperations = 2000

// Database is a handle on one run-database file for the lifetime of one
// engine process. Until Close is called, no other process may open the same
// file (enforced by PRAGMA locking_mode = EXCLUSIVE).
type Database struct {
	db                   *sql.DB
	runDBID              int64
	recoveryHint         string
	uncommittedSinceOpen int
}

// Open opens or creates the schema at path, deletes runs started before
// now-maxDependencyAge (cascading to their dependency rows via trigger),
// inserts the current Run row, and commits.
func Open(path string, maxDependencyAge time.Duration, recoveryHint string) (*Database, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &dlberr.DatabaseError{
			Summary: fmt.Sprintf("could not open run-database: %s", path),
			Hint:    "check access permissions",
			Err:     err,
		}
	}
	sqlDB.SetMaxOpenConns(1) // single-writer: enforce at the pool level too

	d := &Database{db: sqlDB, recoveryHint: recoveryHint}
	if err := d.setup(maxDependencyAge); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) wrapErr(summary string, err error) error {
	if err == nil {
		return nil
	}
	return &dlberr.DatabaseError{Summary: summary, Hint: d.recoveryHint, Err: err}
}

func (d *Database) setup(maxDependencyAge time.Duration) error {
	if _, err := d.db.Exec(`PRAGMA locking_mode = EXCLUSIVE`); err != nil {
		return d.wrapErr("could not setup run-database", err)
	}
	if _, err := d.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return d.wrapErr("could not setup run-database", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return d.wrapErr("could not setup run-database", err)
	}
	defer func() { _ = tx.Rollback() }()

	var didExist bool
	row := tx.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='Run'`)
	var count int
	if err := row.Scan(&count); err != nil {
		return d.wrapErr("could not inspect run-database schema", err)
	}
	didExist = count > 0

	if !didExist {
		for _, stmt := range createTableStatements {
			if _, err := tx.Exec(stmt); err != nil {
				return d.wrapErr("could not create run-database schema", err)
			}
		}
	}

	if maxDependencyAge > 0 {
		cutoff := time.Now().UTC().Add(-maxDependencyAge)
		if _, err := tx.Exec(`DELETE FROM Run WHERE start_time < ?`, encodeTime(cutoff)); err != nil {
			return d.wrapErr("could not expire aged runs", err)
		}
	}

	res, err := tx.Exec(`INSERT INTO Run(start_time, duration_ns, nonredo_count, redo_count) VALUES (?, NULL, NULL, NULL)`,
		encodeTime(time.Now().UTC()))
	if err != nil {
		return d.wrapErr("could not register this run", err)
	}
	runDBID, err := res.LastInsertId()
	if err != nil {
		return d.wrapErr("could not register this run", err)
	}
	d.runDBID = runDBID

	if err := tx.Commit(); err != nil {
		return d.wrapErr("could not commit run-database setup", err)
	}
	d.uncommittedSinceOpen = 0
	return nil
}

var createTableStatements = []string{
	`CREATE TABLE Run(
		run_dbid INTEGER PRIMARY KEY AUTOINCREMENT,
		start_time TEXT NOT NULL,
		duration_ns INTEGER,
		nonredo_count INTEGER,
		redo_count INTEGER
	)`,
	`CREATE TABLE ToolInst(
		tool_inst_dbid INTEGER PRIMARY KEY AUTOINCREMENT,
		pl_platform_id BLOB NOT NULL,
		pl_tool_id BLOB NOT NULL,
		pl_tool_inst_fp BLOB NOT NULL,
		UNIQUE(pl_platform_id, pl_tool_id, pl_tool_inst_fp)
	)`,
	`CREATE TABLE ToolInstFsInput(
		tool_inst_dbid INTEGER,
		path TEXT NOT NULL,
		is_explicit INTEGER NOT NULL,
		memo_before BLOB,
		run_dbid INTEGER,
		PRIMARY KEY(tool_inst_dbid, path),
		FOREIGN KEY(tool_inst_dbid) REFERENCES ToolInst(tool_inst_dbid),
		FOREIGN KEY(run_dbid) REFERENCES Run(run_dbid)
	)`,
	`CREATE TABLE ToolInstRedoState(
		tool_inst_dbid INTEGER,
		aspect INTEGER NOT NULL,
		memo_digest BLOB NOT NULL,
		run_dbid INTEGER,
		PRIMARY KEY(tool_inst_dbid, aspect),
		FOREIGN KEY(tool_inst_dbid) REFERENCES ToolInst(tool_inst_dbid),
		FOREIGN KEY(run_dbid) REFERENCES Run(run_dbid)
	)`,
	`CREATE TRIGGER delete_obsolete_toolinst
		AFTER DELETE ON Run FOR EACH ROW BEGIN
			DELETE FROM ToolInstFsInput WHERE run_dbid = OLD.run_dbid;
			DELETE FROM ToolInstRedoState WHERE run_dbid = OLD.run_dbid;
		END`,
}

func encodeTime(t time.Time) string { return t.Format("20060102T150405.999999") }

// RunDBID returns the identity of the Run row created for this process.
func (d *Database) RunDBID() int64 { return d.runDBID }

// GetAndRegisterToolInstanceDBID upserts and returns the stable integer
// identity of a tool instance, identified by (platform, tool, fingerprint).
// Repeated calls within the database's lifetime always return the same value.
func (d *Database) GetAndRegisterToolInstanceDBID(platformID, toolID, instanceFingerprint []byte) (int64, error) {
	if _, err := d.db.Exec(
		`INSERT OR IGNORE INTO ToolInst(pl_platform_id, pl_tool_id, pl_tool_inst_fp) VALUES (?, ?, ?)`,
		platformID, toolID, instanceFingerprint,
	); err != nil {
		return 0, d.wrapErr("could not register tool instance", err)
	}
	d.noteWrite()

	row := d.db.QueryRow(
		`SELECT tool_inst_dbid FROM ToolInst WHERE pl_platform_id = ? AND pl_tool_id = ? AND pl_tool_inst_fp = ?`,
		platformID, toolID, instanceFingerprint,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, d.wrapErr("could not look up registered tool instance", err)
	}
	return id, nil
}

// GetFsObjectInputs returns the instance's filesystem-object dependency rows,
// optionally restricted to explicit (or non-explicit) ones.
func (d *Database) GetFsObjectInputs(toolInstDBID int64, explicitOnly *bool) (map[string]FsInputRow, error) {
	query := `SELECT path, is_explicit, memo_before FROM ToolInstFsInput WHERE tool_inst_dbid = ?`
	args := []any{toolInstDBID}
	if explicitOnly != nil {
		query += ` AND is_explicit = ?`
		args = append(args, boolToInt(*explicitOnly))
	}
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, d.wrapErr("could not read filesystem-object inputs", err)
	}
	defer rows.Close()

	out := map[string]FsInputRow{}
	for rows.Next() {
		var path string
		var isExplicit int
		var memoBefore []byte
		if err := rows.Scan(&path, &isExplicit, &memoBefore); err != nil {
			return nil, d.wrapErr("could not read filesystem-object inputs", err)
		}
		out[path] = FsInputRow{IsExplicit: isExplicit != 0, MemoBefore: memoBefore}
	}
	return out, rows.Err()
}

// GetRedoState returns the instance's redo-state rows keyed by aspect.
func (d *Database) GetRedoState(toolInstDBID int64) (map[Aspect][]byte, error) {
	rows, err := d.db.Query(`SELECT aspect, memo_digest FROM ToolInstRedoState WHERE tool_inst_dbid = ?`, toolInstDBID)
	if err != nil {
		return nil, d.wrapErr("could not read redo state", err)
	}
	defer rows.Close()

	out := map[Aspect][]byte{}
	for rows.Next() {
		var aspect int
		var digest []byte
		if err := rows.Scan(&aspect, &digest); err != nil {
			return nil, d.wrapErr("could not read redo state", err)
		}
		out[Aspect(aspect)] = digest
	}
	return out, rows.Err()
}

// FsInputUpdate is one replacement row for UpdateDependenciesAndState.
type FsInputUpdate struct {
	Path       string
	IsExplicit bool
	MemoBefore []byte // nil encodes "unknown"
}

// UpdateDependenciesAndState atomically replaces an instance's fs-input and
// redo-state rows (when the corresponding argument is non-nil) and, for
// every encoded path in modifiedPathPrefixes, nulls out memo_before of
// every tool instance's row whose path starts with that prefix.
func (d *Database) UpdateDependenciesAndState(
	toolInstDBID int64,
	inputs []FsInputUpdate,
	stateByAspect map[Aspect][]byte,
	modifiedPathPrefixes []string,
) error {
	tx, err := d.db.Begin()
	if err != nil {
		return d.wrapErr("could not update tool instance state", err)
	}
	defer func() { _ = tx.Rollback() }()

	if inputs != nil {
		if _, err := tx.Exec(`DELETE FROM ToolInstFsInput WHERE tool_inst_dbid = ?`, toolInstDBID); err != nil {
			return d.wrapErr("could not replace filesystem-object inputs", err)
		}
		for _, in := range inputs {
			if _, err := tx.Exec(
				`INSERT INTO ToolInstFsInput(tool_inst_dbid, path, is_explicit, memo_before, run_dbid) VALUES (?, ?, ?, ?, ?)`,
				toolInstDBID, in.Path, boolToInt(in.IsExplicit), in.MemoBefore, d.runDBID,
			); err != nil {
				return d.wrapErr("could not replace filesystem-object inputs", err)
			}
		}
	}

	if stateByAspect != nil {
		if _, err := tx.Exec(`DELETE FROM ToolInstRedoState WHERE tool_inst_dbid = ?`, toolInstDBID); err != nil {
			return d.wrapErr("could not replace redo state", err)
		}
		for aspect, digest := range stateByAspect {
			if digest == nil {
				digest = []byte{}
			}
			if _, err := tx.Exec(
				`INSERT INTO ToolInstRedoState(tool_inst_dbid, aspect, memo_digest, run_dbid) VALUES (?, ?, ?, ?)`,
				toolInstDBID, int(aspect), digest, d.runDBID,
			); err != nil {
				return d.wrapErr("could not replace redo state", err)
			}
		}
	}

	for _, prefix := range modifiedPathPrefixes {
		if _, err := tx.Exec(
			`UPDATE ToolInstFsInput SET memo_before = NULL WHERE path = ? OR substr(path, 1, ?) = ?`,
			prefix, len(prefix), prefix,
		); err != nil {
			return d.wrapErr("could not invalidate dependents of a modified output", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return d.wrapErr("could not commit tool instance update", err)
	}
	d.noteWrite()
	return nil
}

// GetLatestSuccessfulRunSummaries returns up to maxCount summaries of past
// successful runs, excluding the current one, ordered ascending by start
// time.
func (d *Database) GetLatestSuccessfulRunSummaries(maxCount int) ([]RunSummary, error) {
	rows, err := d.db.Query(
		`SELECT start_time, duration_ns, nonredo_count, redo_count FROM Run
		 WHERE run_dbid != ? AND duration_ns IS NOT NULL
		 ORDER BY start_time DESC LIMIT ?`,
		d.runDBID, maxCount,
	)
	if err != nil {
		return nil, d.wrapErr("could not read run history", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var startStr string
		var s RunSummary
		if err := rows.Scan(&startStr, &s.DurationNs, &s.NonredoCount, &s.RedoCount); err != nil {
			return nil, d.wrapErr("could not read run history", err)
		}
		t, err := time.Parse("20060102T150405.999999", startStr)
		if err != nil {
			continue
		}
		s.StartTime = t
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// UpdateRunSummary fills in duration_ns, nonredo_count, and redo_count on the
// current Run row, clamping all three to [0, 2^63-1].
func (d *Database) UpdateRunSummary(start time.Time, nonredo, redo int64) (RunSummary, error) {
	duration := time.Since(start).Nanoseconds()
	duration = clampNonNegative(duration)
	nonredo = clampNonNegative(nonredo)
	redo = clampNonNegative(redo)

	if _, err := d.db.Exec(
		`UPDATE Run SET duration_ns = ?, nonredo_count = ?, redo_count = ? WHERE run_dbid = ?`,
		duration, nonredo, redo, d.runDBID,
	); err != nil {
		return RunSummary{}, d.wrapErr("could not finalize run summary", err)
	}
	d.noteWrite()
	return RunSummary{StartTime: start, DurationNs: duration, NonredoCount: nonredo, RedoCount: redo}, nil
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Commit flushes any pending writes.
func (d *Database) Commit() error {
	d.uncommittedSinceOpen = 0
	return nil // database/sql auto-commits each Exec outside an explicit Tx
}

// CommitIfOverdue is a no-op under database/sql's auto-commit model but is
// kept as the documented hook point matching the source's batching
// strategy, so callers can still gate expensive bookkeeping on it.
func (d *Database) CommitIfOverdue() error {
	if d.uncommittedSinceOpen > maxUncommittedOperations {
		return d.Commit()
	}
	return nil
}

func (d *Database) noteWrite() { d.uncommittedSinceOpen++ }

// Cleanup removes ToolInst rows (and, transitively, nothing else — the
// foreign-key-less absence of dependents is the criterion) that have no
// remaining ToolInstFsInput or ToolInstRedoState rows.
func (d *Database) Cleanup() error {
	_, err := d.db.Exec(`
		DELETE FROM ToolInst WHERE tool_inst_dbid NOT IN (
			SELECT tool_inst_dbid FROM ToolInstFsInput
			UNION
			SELECT tool_inst_dbid FROM ToolInstRedoState
		)`)
	return d.wrapErr("could not clean up run-database", err)
}

// Close releases the database handle. Calling Close twice is equivalent to
// calling it once.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return d.wrapErr("could not close run-database", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
