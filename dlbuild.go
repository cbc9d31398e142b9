// Package dlbuild is the public facade over the incremental build engine
// described by the accompanying specification: a redo-based build core in
// the style of Python's dlb, reworked in idiomatic Go.
//
// The facade re-exports the pieces a tool author actually touches —
// Context, Tool, Instance, Result, Config, Run — and wires together the
// internal packages (working tree, context stack, dependency model, tool
// class/instance, redo engine, async sequencer, diagnostics) that do the
// real work. CLI entry points, helper-subprocess execution, and specific
// built-in tools are out of scope (spec §1); cmd/dlbuild is a thin shell
// over this package, not an extension of it.
package dlbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fredrikaverpil/dlbuild/internal/aseq"
	"github.com/fredrikaverpil/dlbuild/internal/ctxstack"
	"github.com/fredrikaverpil/dlbuild/internal/depend"
	"github.com/fredrikaverpil/dlbuild/internal/diag"
	"github.com/fredrikaverpil/dlbuild/internal/redoengine"
	"github.com/fredrikaverpil/dlbuild/internal/tool"
)

// diagWriter is where Run's diagnostics sink writes by default. A future
// Config knob could redirect it per-run; nothing in spec §6 requires that
// yet, so it stays a package variable rather than a Config field.
var diagWriter io.Writer = os.Stderr

// Re-exports of the dependency-role vocabulary a tool definition needs.
type (
	Kind         = depend.Kind
	Role         = depend.Role
	Multiplicity = depend.Multiplicity
	RoleSpec     = tool.RoleSpec
	RedoFunc     = tool.RedoFunc
	Result       = tool.Result
)

const (
	RegularFileInput    = depend.KindRegularFileInput
	NonRegularFileInput = depend.KindNonRegularFileInput
	DirectoryInput      = depend.KindDirectoryInput
	RegularFileOutput   = depend.KindRegularFileOutput
	NonRegularOutput    = depend.KindNonRegularFileOutput
	DirectoryOutput     = depend.KindDirectoryOutput
	EnvVarInput         = depend.KindEnvVarInput
	ObjectOutput        = depend.KindObjectOutput
)

// Diagnostic levels and the Cluster scoped-acquisition type, re-exported so
// a tool's Redo function can report progress without importing internal/diag.
type (
	Level   = diag.Level
	Cluster = diag.Cluster
)

const (
	Debug    = diag.Debug
	Info     = diag.Info
	Warning  = diag.Warning
	Error    = diag.Error
	Critical = diag.Critical
)

// Config holds the engine's configuration knobs named in spec §6.
type Config struct {
	// LatestRunSummaryMaxCount is not read by Run or by the working-tree
	// teardown; no Run rows are pruned by count.
	LatestRunSummaryMaxCount int

	// MaxDependencyAge is the age after which a Run (and any ToolInst rows
	// that depend only on it) is eligible for expiry on the next prepare.
	// Zero disables age-based expiry.
	MaxDependencyAge time.Duration

	// MaxParallelRedoCount bounds concurrently running redo actions.
	MaxParallelRedoCount int

	// ExecuteHelperInheritsFilesByDefault is read by helper-subprocess
	// execution, which is out of scope for this core (spec §6); carried
	// here so a caller's own helper runner can consult it.
	ExecuteHelperInheritsFilesByDefault bool

	// DiagnosticThresholds maps a diagnostic category name to the minimum
	// Level the sink installed by Run will emit for it. The reserved key
	// "" sets the sink's overall minimum level; per-category values are
	// looked up by a caller's own diag.Cluster label and are otherwise
	// advisory — the core itself only reports through the "" category.
	DiagnosticThresholds map[string]Level
}

func (c Config) minLevel() Level {
	if c.DiagnosticThresholds != nil {
		if lvl, ok := c.DiagnosticThresholds[""]; ok {
			return lvl
		}
	}
	return Info
}

// Tool is a user-defined unit of work: a name, a set of dependency roles,
// execution parameters, and a Redo action. Construct one with NewTool and
// bind it to concrete dependency values with NewInstance.
type Tool struct {
	class *tool.Class
}

// NewTool defines a new tool class (spec §4.G). It must be called from a
// distinct source location per logical tool; calling it again from the same
// location with the same shape is idempotent and returns the existing Tool.
func NewTool(name string, roles []RoleSpec, executionParameterNames []string, redo RedoFunc) (*Tool, error) {
	class, err := tool.NewClass(name, roles, executionParameterNames, redo)
	if err != nil {
		return nil, err
	}
	return &Tool{class: class}, nil
}

// Instance is a Tool bound to concrete explicit dependency values, ready to
// be started against a Context.
type Instance struct {
	inst *tool.Instance
}

// NewInstance binds t's explicit dependency roles to kwargs (keyed by role
// name) within ctx's active environment.
func (t *Tool) NewInstance(ctx *Context, kwargs map[string]any) (*Instance, error) {
	inst, err := tool.NewInstance(t.class, kwargs, ctx.env())
	if err != nil {
		return nil, err
	}
	return &Instance{inst: inst}, nil
}

// Handle is returned by Start: the instance's result, available once any
// scheduled redo has completed.
type Handle struct {
	h *redoengine.Handle
}

// Complete blocks until any redo this Handle represents has finished, and
// returns the instance's result.
func (h *Handle) Complete() (*Result, error) {
	return h.h.Complete()
}

// Context is one nested execution context rooted in a locked, prepared
// working tree (spec §4.D), paired with the redo engine and diagnostics
// sink that serve every tool instance started against it.
type Context struct {
	stack  *ctxstack.Context
	engine *redoengine.Engine
	sink   *diag.Sink
}

// Run locks and prepares the working tree containing cwd, enters the
// outermost Context, invokes fn, and on return drains any pending redos and
// tears the working tree down — releasing the lock even if fn panics.
//
// This is the engine's single entry point; spec §1 explicitly keeps CLI
// wiring out of the core, so Run is what a cmd/dlbuild-style shell (or any
// other embedder) calls directly.
func Run(cwd string, cfg Config, fn func(ctx *Context) error) (err error) {
	stackCtx, err := ctxstack.EnterRoot(cwd, ctxstack.EnterRootOptions{
		MaxParallelRedoCount: cfg.MaxParallelRedoCount,
		MaxDependencyAge:     cfg.MaxDependencyAge,
	})
	if err != nil {
		return err
	}

	sink := diag.NewSink(diagWriter, cfg.minLevel())
	seq := aseq.New(int64(max(cfg.MaxParallelRedoCount, 1)))
	inform := func(msg string) { sink.Inform(Info, false, "%s", msg) }
	engine := redoengine.New(stackCtx, stackCtx.RunDB(), seq, inform)

	ctx := &Context{stack: stackCtx, engine: engine, sink: sink}

	hadError := false
	defer func() {
		if r := recover(); r != nil {
			hadError = true
			if exitErr := ctx.stack.Exit(true); exitErr != nil {
				sink.Inform(Error, true, "cleanup after panic failed: %v", exitErr)
			}
			panic(r)
		}
		if exitErr := ctx.stack.Exit(hadError); exitErr != nil && err == nil {
			err = exitErr
		}
	}()

	if err = fn(ctx); err != nil {
		hadError = true
		return err
	}
	return nil
}

// Start begins (or joins an already-pending run of) inst against ctx,
// forcing a redo unconditionally when force is set.
func (ctx *Context) Start(inst *Instance, force bool) (*Handle, error) {
	h, err := ctx.engine.Start(inst.inst, force)
	if err != nil {
		return nil, fmt.Errorf("dlbuild: start: %w", err)
	}
	return &Handle{h: h}, nil
}

// EnterChild pushes a nested context under ctx, first draining ctx's
// pending redos, and returns it wired to the same run database and redo
// engine (spec §4.H's proxy tracking is keyed per tool instance, not per
// context, so nested contexts share one Engine).
func (ctx *Context) EnterChild() (*Context, error) {
	child, err := ctxstack.EnterChild(ctxstack.EnterChildOptions{})
	if err != nil {
		return nil, err
	}
	return &Context{stack: child, engine: ctx.engine, sink: ctx.sink}, nil
}

// Exit pops ctx off the context stack. With hadError false it waits for
// the pending redos ctx scheduled; with hadError true it cancels them.
// Exiting the root context always tears the working tree down, and no run
// summary is recorded either way.
func (ctx *Context) Exit(hadError bool) error {
	return ctx.stack.Exit(hadError)
}

// RootPath returns the absolute, native path of ctx's working tree root.
func (ctx *Context) RootPath() string { return ctx.stack.RootPath() }

// Temporary returns a fresh path inside the working tree's ephemeral area,
// suitable for a tool action's scratch files.
func (ctx *Context) Temporary(suffix string) string { return ctx.stack.Temporary(suffix) }

// WorkingTreePathOf resolves path (absolute or working-tree-relative) to a
// normalized, working-tree-relative string, enforcing spec §4.D's
// no-upwards-path and management-subtree restrictions.
func (ctx *Context) WorkingTreePathOf(path string, collapsable, allowTemporary, allowNontemporaryManagement bool) (string, error) {
	return ctx.stack.WorkingTreePathOf(path, collapsable, allowTemporary, allowNontemporaryManagement)
}

// Inform emits one diagnostic line through ctx's sink (spec §6).
func (ctx *Context) Inform(level Level, withTime bool, format string, a ...any) {
	ctx.sink.Inform(level, withTime, format, a...)
}

// Cluster opens a scoped diagnostics acquisition against ctx's sink (spec
// §6's Cluster(message, level, is_progress?, with_time?)). The caller must
// Close it, typically via defer.
func (ctx *Context) Cluster(message string, level Level, isProgress, withTime bool) *Cluster {
	sinkCtx := diag.WithSink(context.Background(), ctx.sink)
	return diag.NewCluster(sinkCtx, message, level, isProgress, withTime)
}

// Env returns ctx's environment-variable dict for Import/Get/Set/Delete.
func (ctx *Context) Env() *ctxstack.EnvVarDict { return ctx.stack.Env() }

func (ctx *Context) env() depend.EnvLookup { return ctx.stack.Env() }
