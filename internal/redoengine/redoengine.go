// Package redoengine implements spec §4.H: the decision of whether a tool
// instance needs a redo, and — if so — running it and persisting the new
// state, wired through aseq so a Start call returns a handle rather than
// blocking its caller.
package redoengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fredrikaverpil/dlbuild/internal/aseq"
	"github.com/fredrikaverpil/dlbuild/internal/ctxstack"
	"github.com/fredrikaverpil/dlbuild/internal/depaction"
	"github.com/fredrikaverpil/dlbuild/internal/depend"
	"github.com/fredrikaverpil/dlbuild/internal/dlberr"
	"github.com/fredrikaverpil/dlbuild/internal/fsx"
	"github.com/fredrikaverpil/dlbuild/internal/rundb"
	"github.com/fredrikaverpil/dlbuild/internal/tool"
)

// Informer receives a human-readable progress/diagnostic line, e.g. a
// diag.Sink's Inform method. It may be nil.
type Informer func(string)

// Engine runs tool instances against one context and run-database,
// scheduling their redo actions through a bounded Sequencer.
type Engine struct {
	Ctx    *ctxstack.Context
	DB     *rundb.Database
	Seq    *aseq.Sequencer
	Inform Informer
}

// New returns an Engine, registering seq as ctx's redo drain.
func New(ctx *ctxstack.Context, db *rundb.Database, seq *aseq.Sequencer, inform Informer) *Engine {
	ctxstack.SetRedoDrain(ctx, seq)
	return &Engine{Ctx: ctx, DB: db, Seq: seq, Inform: inform}
}

func (e *Engine) inform(format string, args ...any) {
	if e.Inform != nil {
		e.Inform(fmt.Sprintf(format, args...))
	}
}

// Handle is returned by Start: a tool instance's result, available once
// any scheduled redo has completed.
type Handle struct {
	proxy      *aseq.ResultProxy
	ready      *tool.Result
	readyError error
}

// Complete blocks until any redo this Handle represents has finished, and
// returns the instance's result.
func (h *Handle) Complete() (*tool.Result, error) {
	if h.proxy == nil {
		return h.ready, h.readyError
	}
	result, err := h.proxy.Complete()
	if err != nil {
		return nil, err
	}
	return result.(*tool.Result), nil
}

// Start decides whether inst needs a redo and, if so, schedules it.
// forceRedo mirrors the source's start(force_redo=True).
func (e *Engine) Start(inst *tool.Instance, forceRedo bool) (*Handle, error) {
	info := tool.GetAndRegisterInfo(inst.Class)
	execDigest, err := tool.ExecutionParameterDigest(inst.Class)
	if err != nil {
		return nil, err
	}

	toolInstDBID, err := e.DB.GetAndRegisterToolInstanceDBID(tool.PlatformID(), info.PermanentLocalToolID, inst.Fingerprint)
	if err != nil {
		return nil, err
	}
	e.inform("tool instance is %d", toolInstDBID)

	if pending, ok := e.Seq.PendingFor(toolInstDBID); ok {
		if _, err := pending.Complete(); err != nil {
			return nil, fmt.Errorf("waiting for the previous redo of this tool instance: %w", err)
		}
	}

	memoByPath := map[string]fsx.Memo{}
	explicitPaths := map[string]bool{}

	if err := e.collectExplicitInputs(inst, memoByPath, explicitPaths); err != nil {
		return nil, err
	}
	definitionFileCount := e.addDefinitionFilesAsInputs(info, memoByPath)
	e.inform("added %d tool definition files as input dependency", definitionFileCount)

	explicitInputPaths := make(map[string]bool, len(explicitPaths))
	for p := range explicitPaths {
		explicitInputPaths[p] = true
	}
	obstructivePaths, needsRedo, err := e.collectExplicitOutputs(inst, explicitInputPaths, explicitPaths)
	if err != nil {
		return nil, err
	}

	inputsFromLastRedo, err := e.DB.GetFsObjectInputs(toolInstDBID, nil)
	if err != nil {
		return nil, err
	}
	for path, row := range inputsFromLastRedo {
		if row.IsExplicit {
			continue
		}
		if _, already := memoByPath[path]; already {
			continue
		}
		memo, changed := e.memoForNonexplicitInput(path, row)
		memoByPath[path] = memo
		if changed {
			needsRedo = true
		}
	}

	envVarValues, envDigest := e.collectEnvVars(inst)

	if !needsRedo && forceRedo {
		e.inform("redo requested by start()")
		needsRedo = true
	}

	if !needsRedo {
		state, err := e.DB.GetRedoState(toolInstDBID)
		if err != nil {
			return nil, err
		}
		resultBytes, hasResult := state[rundb.AspectResult]
		switch {
		case !hasResult:
			e.inform("redo necessary because not run before")
			needsRedo = true
		case len(resultBytes) != 0:
			e.inform("redo requested by last successful redo")
			needsRedo = true
		case string(execDigest) != string(state[rundb.AspectExecutionParameters]):
			e.inform("redo necessary because of changed execution parameter")
			needsRedo = true
		case string(envDigest) != string(state[rundb.AspectEnvironmentVariables]):
			e.inform("redo necessary because of changed environment variable")
			needsRedo = true
		}
	}

	if !needsRedo {
		for path, memo := range memoByPath {
			row, known := inputsFromLastRedo[path]
			isExplicit := explicitPaths[path]
			if !known {
				row = rundb.FsInputRow{IsExplicit: true, MemoBefore: nil}
			}
			reason := compareMemoToLastRedo(memo, row.MemoBefore, isExplicit)
			if reason != "" {
				e.inform("redo necessary because of filesystem object: %q\n    reason: %s", path, reason)
				needsRedo = true
				break
			}
		}
	}

	if !needsRedo {
		return &Handle{ready: &tool.Result{Instance: inst, Values: map[string]any{}}}, nil
	}

	if len(obstructivePaths) > 0 {
		for _, p := range obstructivePaths {
			full := filepath.Join(e.Ctx.RootPath(), p)
			if err := os.RemoveAll(full); err != nil {
				return nil, fmt.Errorf("removing obstructive filesystem object %q: %w", p, err)
			}
		}
	}

	explicitPathSet := make([]string, 0, len(explicitPaths))
	for p := range explicitPaths {
		explicitPathSet = append(explicitPathSet, p)
	}
	sort.Strings(explicitPathSet)

	proxy, err := e.Seq.WaitThenStart(toolInstDBID, func(gctx context.Context) (any, error) {
		return e.redoWithAftermath(gctx, inst, toolInstDBID, memoByPath, explicitPathSet,
			execDigest, envDigest, envVarValues)
	})
	if err != nil {
		return nil, err
	}
	return &Handle{proxy: proxy}, nil
}

// encodePath renders a working-tree-relative path (as returned by
// ctxstack.WorkingTreePathOf) into the canonical database key of spec
// §4.A/§6: relative, normalized, with a trailing "/" unconditionally
// appended. The trailing slash is a prefix-search delimiter, not an
// is_dir flag (ported from _rundb.encode_path): it is what lets rundb's
// "substr(path, 1, ?) = ?" invalidation query treat "a/" as a directory
// boundary instead of matching a sibling like "a.bak".
func encodePath(rel string) (string, error) {
	if rel == "" {
		return "", nil
	}
	p, err := fsx.New(rel)
	if err != nil {
		return "", err
	}
	return fsx.EncodePathKey(p)
}

func (e *Engine) collectExplicitInputs(inst *tool.Instance, memoByPath map[string]fsx.Memo, explicitPaths map[string]bool) error {
	for _, rs := range inst.Class.Roles {
		if !rs.Role.Explicit || !rs.Role.Kind.IsFilesystemObject() || !rs.Role.Kind.IsInput() {
			continue
		}
		for _, p := range pathsOf(inst.Values[rs.Name]) {
			rel, err := e.Ctx.WorkingTreePathOf(p.AsString(), false, false, false)
			if err != nil {
				return &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
			}
			key, err := encodePath(rel)
			if err != nil {
				return &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
			}
			memo, err := fsx.Read(filepath.Join(e.Ctx.RootPath(), rel), rs.Role.Required)
			if err != nil {
				return &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
			}
			if memo.Exists() {
				if err := depaction.CheckMemo(rs.Role.Kind, memo); err != nil {
					return &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
				}
			}
			memoByPath[key] = memo
			explicitPaths[key] = true
		}
	}
	return nil
}

func (e *Engine) addDefinitionFilesAsInputs(info tool.Info, memoByPath map[string]fsx.Memo) int {
	count := 0
	for _, pn := range info.DefinitionPaths {
		rel, err := e.Ctx.WorkingTreePathOf(pn, false, false, false)
		if err != nil {
			continue
		}
		key, err := encodePath(rel)
		if err != nil {
			continue
		}
		if _, already := memoByPath[key]; already {
			count++
			continue
		}
		memo, err := fsx.Read(filepath.Join(e.Ctx.RootPath(), rel), true)
		if err != nil || !memo.Exists() {
			continue
		}
		memoByPath[key] = memo
		count++
	}
	return count
}

// collectExplicitOutputs returns the paths of explicit output dependencies
// that currently exist with the wrong shape ("obstructive", and must be
// removed before a redo), together with whether any output dependency's
// current state already forces a redo.
//
// explicitInputPaths is the (read-only) set collected by
// collectExplicitInputs; explicitPaths accumulates output paths alongside
// it. Ported from check_explicit_fs_output_dependencies (_toolrun.py): an
// output whose path aliases an explicit input, or duplicates another
// explicit output of the same instance, is a dependency error rather than
// a silent overwrite.
func (e *Engine) collectExplicitOutputs(inst *tool.Instance, explicitInputPaths, explicitPaths map[string]bool) ([]string, bool, error) {
	var obstructive []string
	needsRedo := false
	roleByPath := map[string]string{}
	for _, rs := range inst.Class.Roles {
		if !rs.Role.Explicit || !rs.Role.Kind.IsFilesystemObject() || rs.Role.Kind.IsInput() {
			continue
		}
		for _, p := range pathsOf(inst.Values[rs.Name]) {
			rel, err := e.Ctx.WorkingTreePathOf(p.AsString(), false, false, false)
			if err != nil {
				return nil, false, &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
			}
			key, err := encodePath(rel)
			if err != nil {
				return nil, false, &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
			}
			if explicitInputPaths[key] {
				return nil, false, &dlberr.DependencyError{
					Role:   rs.Name,
					Reason: fmt.Sprintf("contains a path that is also an explicit input dependency: %q", p.AsString()),
				}
			}
			if other, duplicate := roleByPath[key]; duplicate {
				return nil, false, &dlberr.DependencyError{
					Role:   rs.Name,
					Reason: fmt.Sprintf("and output dependency %q both contain the same path: %q", other, p.AsString()),
				}
			}
			roleByPath[key] = rs.Name
			explicitPaths[key] = true
			memo, err := fsx.Read(filepath.Join(e.Ctx.RootPath(), rel), false)
			if err != nil {
				return nil, false, &dlberr.DependencyError{Role: rs.Name, Reason: err.Error()}
			}
			if memo.Exists() {
				if err := depaction.CheckMemo(rs.Role.Kind, memo); err != nil {
					obstructive = append(obstructive, key)
					needsRedo = true
				}
			}
		}
	}
	return obstructive, needsRedo, nil
}

// memoForNonexplicitInput re-reads the current memo of a non-explicit
// input dependency of the last successful redo, and reports whether it
// differs from what was recorded then (MemoBefore == nil means "known to
// have changed" already).
func (e *Engine) memoForNonexplicitInput(path string, row rundb.FsInputRow) (fsx.Memo, bool) {
	memo, err := fsx.Read(filepath.Join(e.Ctx.RootPath(), path), false)
	if err != nil {
		return fsx.Memo{}, true
	}
	if row.MemoBefore == nil {
		return memo, true
	}
	last, err := fsx.Decode(row.MemoBefore)
	if err != nil {
		return memo, true
	}
	return memo, !memo.Equal(last)
}

// collectEnvVars returns, for every KindEnvVarInput role, its currently
// bound environment-variable value, and a digest of all of them (in role
// name order, so it is stable regardless of map iteration order) used to
// detect a changed environment variable since the last successful redo.
func (e *Engine) collectEnvVars(inst *tool.Instance) (map[string]string, []byte) {
	values := map[string]string{}
	var roleNames []string
	for _, rs := range inst.Class.Roles {
		if rs.Role.Kind != depend.KindEnvVarInput {
			continue
		}
		roleNames = append(roleNames, rs.Name)
		if v, ok := inst.Values[rs.Name].(string); ok {
			values[rs.Name] = v
		}
	}
	sort.Strings(roleNames)
	var digestInput []byte
	for _, name := range roleNames {
		digestInput = append(digestInput, []byte(name+"="+values[name]+";")...)
	}
	return values, digestInput
}

// compareMemoToLastRedo reports why a redo is necessary given the current
// memo of a filesystem-object dependency and its recorded state before the
// last successful redo, or "" if no redo is necessary on this account.
func compareMemoToLastRedo(memo fsx.Memo, lastEncoded []byte, isExplicit bool) string {
	if lastEncoded == nil {
		if isExplicit {
			return "output dependency of a tool instance potentially changed by a redo"
		}
		return "was a new dependency or was potentially changed by a redo"
	}
	last, err := fsx.Decode(lastEncoded)
	if err != nil {
		return "state before last successful redo is unknown"
	}
	if isExplicit {
		if !last.Exists() {
			return "filesystem object did not exist"
		}
	} else if memo.Exists() != last.Exists() {
		return "existence has changed"
	} else if !memo.Exists() {
		return ""
	}
	if !memo.Exists() || !last.Exists() {
		return ""
	}
	if memo.Stat.IsDir() != last.Stat.IsDir() || memo.Stat.IsRegular() != last.Stat.IsRegular() {
		return "type of filesystem object has changed"
	}
	if memo.Stat.IsSymlink() {
		a, b := "", ""
		if memo.SymlinkTarget != nil {
			a = *memo.SymlinkTarget
		}
		if last.SymlinkTarget != nil {
			b = *last.SymlinkTarget
		}
		if a != b {
			return "symbolic link target has changed"
		}
	}
	if memo.Stat.Size != last.Stat.Size {
		return "size has changed"
	}
	if memo.Stat.MtimeNs != last.Stat.MtimeNs {
		return "mtime has changed"
	}
	if memo.Stat.Mode != last.Stat.Mode || memo.Stat.Uid != last.Stat.Uid || memo.Stat.Gid != last.Stat.Gid {
		return "permissions or owner have changed"
	}
	return ""
}

// redoWithAftermath runs inst's redo action and, on success, persists the
// new dependency/state rows. It runs on an aseq worker goroutine.
func (e *Engine) redoWithAftermath(
	ctx context.Context,
	inst *tool.Instance,
	toolInstDBID int64,
	memoByPath map[string]fsx.Memo,
	explicitPaths []string,
	execDigest, envDigest []byte,
	envVarValues map[string]string,
) (*tool.Result, error) {
	e.inform("start redo for tool instance %d", toolInstDBID)

	result := &tool.Result{Instance: inst, Values: map[string]any{}}
	for name := range envVarValues {
		result.Values[name] = envVarValues[name]
	}

	redoRequested, err := inst.Class.Redo(result, ctx)
	if err != nil {
		return nil, &dlberr.RedoError{Reason: err.Error()}
	}

	explicitSet := map[string]bool{}
	for _, p := range explicitPaths {
		explicitSet[p] = true
	}

	nonExplicitInputs := map[string]bool{}
	modifiedOutputs := map[string]bool{}
	for _, rs := range inst.Class.Roles {
		if rs.Role.Explicit || !rs.Role.Kind.IsFilesystemObject() {
			continue
		}
		v, ok := result.Values[rs.Name]
		if !ok || v == nil {
			if rs.Role.Required {
				return nil, &dlberr.RedoError{Reason: fmt.Sprintf("non-explicit dependency not assigned during redo: %q", rs.Name)}
			}
			continue
		}
		for _, p := range pathsOf(v) {
			rel, err := e.Ctx.WorkingTreePathOf(p.AsString(), false, false, false)
			if err != nil {
				continue
			}
			key, err := encodePath(rel)
			if err != nil {
				continue
			}
			if rs.Role.Kind.IsInput() {
				nonExplicitInputs[key] = true
			} else {
				modifiedOutputs[key] = true
			}
		}
	}

	inputRows := make([]rundb.FsInputUpdate, 0, len(memoByPath))
	for path, memo := range memoByPath {
		isExplicit := explicitSet[path]
		if !isExplicit && !nonExplicitInputs[path] {
			continue // dropped: no longer an input dependency of this redo
		}
		inputRows = append(inputRows, rundb.FsInputUpdate{
			Path:       path,
			IsExplicit: isExplicit,
			MemoBefore: fsx.Encode(memo),
		})
	}
	for path := range nonExplicitInputs {
		if _, already := memoByPath[path]; !already {
			inputRows = append(inputRows, rundb.FsInputUpdate{Path: path, IsExplicit: false, MemoBefore: nil})
		}
	}

	resultDigest := rundb.ResultNotRequested
	if redoRequested {
		resultDigest = rundb.ResultRequested
	}

	modifiedPrefixes := make([]string, 0, len(modifiedOutputs)+len(explicitSet))
	for path := range modifiedOutputs {
		modifiedPrefixes = append(modifiedPrefixes, path)
	}
	for _, rs := range inst.Class.Roles {
		if rs.Role.Explicit && rs.Role.Kind.IsFilesystemObject() && !rs.Role.Kind.IsInput() {
			for _, p := range pathsOf(inst.Values[rs.Name]) {
				rel, err := e.Ctx.WorkingTreePathOf(p.AsString(), false, false, false)
				if err != nil {
					continue
				}
				if key, err := encodePath(rel); err == nil {
					modifiedPrefixes = append(modifiedPrefixes, key)
				}
			}
		}
	}

	if err := e.DB.CommitIfOverdue(); err != nil {
		return nil, err
	}
	if err := e.DB.UpdateDependenciesAndState(
		toolInstDBID,
		inputRows,
		map[rundb.Aspect][]byte{
			rundb.AspectResult:               resultDigest,
			rundb.AspectExecutionParameters:  execDigest,
			rundb.AspectEnvironmentVariables: envDigest,
		},
		modifiedPrefixes,
	); err != nil {
		return nil, err
	}

	return result, nil
}

// pathsOf normalizes a validated dependency value (a single fsx.Path or a
// []any of them) into a slice, the shape every role-iteration loop above
// wants regardless of the role's multiplicity.
func pathsOf(v any) []fsx.Path {
	switch val := v.(type) {
	case nil:
		return nil
	case fsx.Path:
		return []fsx.Path{val}
	case []any:
		out := make([]fsx.Path, 0, len(val))
		for _, item := range val {
			if p, ok := item.(fsx.Path); ok {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
