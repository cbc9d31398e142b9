// Package ctxstack implements the engine's nested execution contexts (spec
// §4.D): a LIFO stack of contexts, each carrying an environment-variable
// dict, a helper-path dict, and (for the root context only) the working
// tree's lifecycle state.
package ctxstack

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fredrikaverpil/dlbuild/internal/dlberr"
	"github.com/fredrikaverpil/dlbuild/internal/rundb"
	"github.com/fredrikaverpil/dlbuild/internal/worktree"
)

var (
	stackMu sync.Mutex
	stack   []*Context
)

// Active returns the innermost open context, or NotRunningError if none is
// open.
func Active() (*Context, error) {
	stackMu.Lock()
	defer stackMu.Unlock()
	if len(stack) == 0 {
		return nil, &dlberr.NotRunningError{What: "this operation"}
	}
	return stack[len(stack)-1], nil
}

// rootSpecifics holds the state that exists only for a root context: the
// working tree lifecycle, implicit helper-path cache, and run counters.
type rootSpecifics struct {
	rootPath              string
	executableSearchPaths []string
	prepared              *worktree.Prepared
	lock                  *worktree.Lock
	implicitHelperPaths   map[string]string

	successfulRedoRunCount    int64
	successfulNonredoRunCount int64
}

// Context is one nested execution scope (spec §4.D).
type Context struct {
	parent               *Context
	env                  *EnvVarDict
	helper               *HelperDict
	maxParallelRedoCount int
	findHelpers          bool
	root                 *rootSpecifics // non-nil only for a root context
}

// Parent returns the enclosing context, or nil for a root context.
func (c *Context) Parent() *Context { return c.parent }

// Env returns this context's environment-variable view.
func (c *Context) Env() *EnvVarDict { return c.env }

// Helper returns this context's helper-path view.
func (c *Context) Helper() *HelperDict { return c.helper }

func (c *Context) rootOf() *rootSpecifics {
	cur := c
	for cur.root == nil {
		cur = cur.parent
	}
	return cur.root
}

// RootPath returns the absolute path of the working tree's root.
func (c *Context) RootPath() string { return c.rootOf().rootPath }

// WorkingTreeTimeNs samples the working tree clock.
func (c *Context) WorkingTreeTimeNs() (int64, error) {
	return c.rootOf().prepared.WorkingTreeTimeNs()
}

// RunDB returns the run-database backing this context's working tree, the
// Go analogue of the source's module-level _get_rundb().
func (c *Context) RunDB() *rundb.Database {
	return c.rootOf().prepared.RunDB
}

// MaxParallelRedoCount returns the degree of redo parallelism configured
// for this context (a nested context inherits its parent's value).
func (c *Context) MaxParallelRedoCount() int {
	return c.maxParallelRedoCount
}

// EnterRootOptions configures the outermost context of a run.
type EnterRootOptions struct {
	MaxParallelRedoCount int
	FindHelpers          *bool // nil: default true
	MaxDependencyAge     time.Duration
}

// EnterRoot locks and prepares the working tree rooted at cwd and pushes the
// new root context onto the stack.
func EnterRoot(cwd string, opts EnterRootOptions) (*Context, error) {
	stackMu.Lock()
	defer stackMu.Unlock()
	if len(stack) != 0 {
		return nil, &dlberr.ContextNestingError{Reason: "a root context may only be entered when no context is active"}
	}

	rootPath, err := worktree.FindRoot(cwd)
	if err != nil {
		return nil, err
	}

	lock, err := worktree.Acquire(rootPath)
	if err != nil {
		return nil, err
	}

	prepared, err := worktree.Prepare(rootPath, opts.MaxDependencyAge)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	findHelpers := true
	if opts.FindHelpers != nil {
		findHelpers = *opts.FindHelpers
	}
	maxParallel := opts.MaxParallelRedoCount
	if maxParallel < 1 {
		maxParallel = 1
	}

	var implicitHelperPaths map[string]string
	if findHelpers {
		implicitHelperPaths = map[string]string{}
	}
	c := &Context{
		maxParallelRedoCount: maxParallel,
		findHelpers:          findHelpers,
		root: &rootSpecifics{
			rootPath:            rootPath,
			prepared:            prepared,
			lock:                lock,
			implicitHelperPaths: implicitHelperPaths,
		},
	}
	c.env = newEnvVarDict(c, envFromOS())
	c.helper = newHelperDict(c, findHelpers)

	stack = append(stack, c)
	return c, nil
}

// EnterChildOptions configures a nested context.
type EnterChildOptions struct {
	FindHelpers *bool // nil: inherit
}

// EnterChild pushes a nested context under the current active context,
// first draining its parent's pending redos.
func EnterChild(opts EnterChildOptions) (*Context, error) {
	stackMu.Lock()
	parent := activeLocked()
	stackMu.Unlock()
	if parent == nil {
		return nil, &dlberr.NotRunningError{What: "entering a nested context"}
	}

	if err := parent.CompletePendingRedos(); err != nil {
		return nil, err
	}

	findHelpers := parent.findHelpers
	if opts.FindHelpers != nil {
		findHelpers = *opts.FindHelpers
		if findHelpers && !parent.rootOf().findHelpersRootFlag() {
			return nil, &dlberr.ContextNestingError{Reason: "find_helpers must be false if the root context's is false"}
		}
	}

	stackMu.Lock()
	defer stackMu.Unlock()
	c := &Context{
		parent:               parent,
		maxParallelRedoCount: parent.maxParallelRedoCount,
		findHelpers:          findHelpers,
	}
	c.env = newEnvVarDict(c, nil)
	c.helper = newHelperDict(c, findHelpers)
	stack = append(stack, c)
	return c, nil
}

func (r *rootSpecifics) findHelpersRootFlag() bool { return r.implicitHelperPaths != nil }

func activeLocked() *Context {
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// Exit pops c from the stack. It must be the innermost context. had_error
// selects cancel-pending-redos vs. await-pending-redos semantics, matching
// the source's exc_val is None distinction.
func (c *Context) Exit(hadError bool) error {
	if err := c.finishPendingRedos(hadError); err != nil {
		return err
	}

	stackMu.Lock()
	if len(stack) == 0 || stack[len(stack)-1] != c {
		stackMu.Unlock()
		return &dlberr.ContextNestingError{Reason: "exited context is not the innermost active context"}
	}
	stack = stack[:len(stack)-1]
	stackMu.Unlock()

	c.parent = nil
	c.env = nil
	c.helper = nil

	if c.root != nil {
		closeErr := c.cleanupAndCloseRoot(!hadError)
		c.root = nil
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

func (c *Context) cleanupAndCloseRoot(wasSuccessful bool) error {
	r := c.root
	var first error

	// wasSuccessful is unused here: the teardown writes no run summary
	// (UpdateRunSummary is not called, here or by dlbuild.Run), so the
	// current Run row's duration and counters are left unset.

	before, err := r.prepared.WorkingTreeTimeNs()
	if err != nil && first == nil {
		first = err
	}

	if err := r.prepared.Cleanup(); err != nil && first == nil {
		first = err
	}
	if err := r.prepared.WaitForWorkingTreeTimeChange(before); err != nil && first == nil {
		first = err
	}

	if err := r.prepared.Close(); err != nil && first == nil {
		first = err
	}
	if err := r.lock.Release(); err != nil && first == nil {
		first = err
	}

	if first != nil {
		return &dlberr.ManagementTreeError{Op: "tear down working tree", Err: first}
	}
	return nil
}

// RedoDrain is implemented by the scheduler a Context delegates
// pending-redo draining to, so ctxstack need not import aseq directly.
type RedoDrain interface {
	CompleteAll() error
	CancelAll() error
}

var redoDrainMu sync.Mutex
var redoDrainByContext = map[*Context]RedoDrain{}

// SetRedoDrain registers the redo sequencer this context should drain on
// enter/exit of a child, or on its own exit.
func SetRedoDrain(c *Context, d RedoDrain) {
	redoDrainMu.Lock()
	defer redoDrainMu.Unlock()
	redoDrainByContext[c] = d
}

// CompletePendingRedos awaits every outstanding redo on this context before
// it (or a child) mutates state, re-raising the first recorded failure.
func (c *Context) CompletePendingRedos() error {
	redoDrainMu.Lock()
	d, ok := redoDrainByContext[c]
	redoDrainMu.Unlock()
	if !ok {
		return nil
	}
	return d.CompleteAll()
}

func (c *Context) finishPendingRedos(hadError bool) error {
	redoDrainMu.Lock()
	d, ok := redoDrainByContext[c]
	delete(redoDrainByContext, c)
	redoDrainMu.Unlock()
	if !ok {
		return nil
	}
	if hadError {
		return d.CancelAll()
	}
	return d.CompleteAll()
}

// FindPathIn searches prefixes (or, if nil, the root context's executable
// search path) for an entry matching path's name and is_dir-ness, returning
// its absolute path.
func (c *Context) FindPathIn(relPath string, isDir bool, prefixes []string) (string, bool) {
	r := c.rootOf()
	if prefixes == nil {
		prefixes = r.executableSearchPaths
	}
	for _, prefix := range prefixes {
		candidate := filepath.Join(prefix, relPath)
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.IsDir() == isDir {
			return candidate, true
		}
	}
	return "", false
}

// Temporary returns a fresh unique relative path under the management
// tree's temporary area.
func (c *Context) Temporary(suffix string) string {
	return c.rootOf().prepared.TempPathProvider.Generate(suffix)
}

// WorkingTreePathOf translates path (absolute or relative) into a path
// relative to the working tree's root, rejecting upwards paths and
// restricting access to the management tree per allowTemporary /
// allowNontemporaryManagement.
func (c *Context) WorkingTreePathOf(path string, collapsable, allowTemporary, allowNontemporaryManagement bool) (string, error) {
	r := c.rootOf()

	var rel string
	if filepath.IsAbs(path) {
		if !strings.HasPrefix(path, r.rootPath) {
			return "", &dlberr.WorkingTreePathError{Path: path, Reason: "does not start with the working tree's root path"}
		}
		rel = strings.TrimPrefix(path, r.rootPath)
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
	} else {
		rel = path
	}

	normalized, err := normalizeDotDot(rel, collapsable, r.rootPath)
	if err != nil {
		return "", err
	}

	first, rest := splitFirstComponent(normalized)
	if first == worktree.ManagementDirName {
		second, _ := splitFirstComponent(rest)
		permitted := allowNontemporaryManagement
		if second == worktree.TemporaryDirName {
			permitted = allowTemporary
		}
		if !permitted {
			return "", &dlberr.WorkingTreePathError{Path: path, Reason: "path in non-permitted part of the working tree"}
		}
	}

	return normalized, nil
}

func splitFirstComponent(p string) (string, string) {
	p = strings.TrimPrefix(p, "./")
	idx := strings.IndexByte(p, '/')
	if idx < 0 {
		return p, ""
	}
	return p[:idx], p[idx+1:]
}

func normalizeDotDot(relPath string, collapsable bool, rootNative string) (string, error) {
	parts := strings.Split(relPath, "/")
	var out []string
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if part != ".." {
			out = append(out, part)
			continue
		}
		if len(out) == 0 {
			return "", &dlberr.WorkingTreePathError{Path: relPath, Reason: "is an upwards path"}
		}
		if !collapsable {
			candidate := filepath.Join(append([]string{rootNative}, out...)...)
			if info, err := os.Lstat(candidate); err == nil && info.Mode()&os.ModeSymlink != 0 {
				return "", &dlberr.WorkingTreePathError{Path: relPath, Reason: "not a collapsable path: a component is a symbolic link"}
			}
		}
		out = out[:len(out)-1]
	}
	return strings.Join(out, "/"), nil
}

// EnvVarDict is the per-context environment-variable view (spec §4.D).
type EnvVarDict struct {
	context       *Context
	topValue      map[string]string
	valueByName   map[string]string
	patternByName map[string]*regexp.Regexp
}

func envFromOS() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func newEnvVarDict(c *Context, topValue map[string]string) *EnvVarDict {
	values := map[string]string{}
	if c.parent != nil {
		for k, v := range c.parent.env.valueByName {
			values[k] = v
		}
	}
	if topValue == nil {
		topValue = map[string]string{}
	}
	return &EnvVarDict{context: c, topValue: topValue, valueByName: values, patternByName: map[string]*regexp.Regexp{}}
}

// IsImported reports whether name has a validation pattern in this context
// or any ancestor.
func (e *EnvVarDict) IsImported(name string) bool {
	if _, ok := e.patternByName[name]; ok {
		return true
	}
	if e.context.parent != nil {
		return e.context.parent.env.IsImported(name)
	}
	return false
}

func (e *EnvVarDict) findViolatedPattern(name, value string) *regexp.Regexp {
	if p, ok := e.patternByName[name]; ok && !p.MatchString(value) {
		return p
	}
	if e.context.parent != nil {
		return e.context.parent.env.findViolatedPattern(name, value)
	}
	return nil
}

func (e *EnvVarDict) prepareForModification() error {
	stackMu.Lock()
	isActive := len(stack) > 0 && stack[len(stack)-1] == e.context
	stackMu.Unlock()
	if !isActive {
		return &dlberr.ContextModificationError{Name: "env"}
	}
	return e.context.CompletePendingRedos()
}

// ImportFromOuter registers a validation pattern for name, importing its
// current value from the nearest enclosing context that has it set.
func (e *EnvVarDict) ImportFromOuter(name, pattern, example string) error {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return err
	}
	if !re.MatchString(example) {
		return &dlberr.DependencyError{Role: name, Reason: "example does not match pattern"}
	}
	if err := e.prepareForModification(); err != nil {
		return err
	}

	value, hasValue := e.valueByName[name]
	if !hasValue {
		if e.context.parent != nil {
			value, hasValue = e.context.parent.env.valueByName[name]
		} else {
			value, hasValue = e.topValue[name]
		}
	}
	if hasValue && !re.MatchString(value) {
		return &dlberr.DependencyError{Role: name, Reason: "value is not matched by pattern"}
	}

	e.patternByName[name] = re
	if hasValue {
		e.valueByName[name] = value
	}
	return nil
}

// Get returns the value of name and whether it is defined in this context.
func (e *EnvVarDict) Get(name string) (string, bool) {
	v, ok := e.valueByName[name]
	return v, ok
}

// Set assigns value to an imported variable, validating against its
// pattern (and every ancestor's pattern for the same name).
func (e *EnvVarDict) Set(name, value string) error {
	if !e.IsImported(name) {
		return &dlberr.DependencyError{Role: name, Reason: "not imported into this context"}
	}
	if err := e.prepareForModification(); err != nil {
		return err
	}
	if p := e.findViolatedPattern(name, value); p != nil {
		return &dlberr.DependencyError{Role: name, Reason: "value does not match validation pattern " + p.String()}
	}
	e.valueByName[name] = value
	return nil
}

// Delete removes name's current value (not its pattern).
func (e *EnvVarDict) Delete(name string) error {
	if err := e.prepareForModification(); err != nil {
		return err
	}
	if _, ok := e.valueByName[name]; !ok {
		return &dlberr.DependencyError{Role: name, Reason: "not a defined environment variable in the context"}
	}
	delete(e.valueByName, name)
	return nil
}

// Names returns the sorted set of currently defined variable names.
func (e *EnvVarDict) Names() []string {
	names := make([]string, 0, len(e.valueByName))
	for k := range e.valueByName {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HelperDict is the per-context helper-path view (spec §4.D).
type HelperDict struct {
	context        *Context
	explicit       map[string]string
	implicit       map[string]string // nil when this context does not search
}

func newHelperDict(c *Context, findHelpers bool) *HelperDict {
	explicit := map[string]string{}
	if c.parent != nil {
		for k, v := range c.parent.helper.explicit {
			explicit[k] = v
		}
	}
	var implicit map[string]string
	if findHelpers {
		implicit = c.rootOf().implicitHelperPaths
	}
	return &HelperDict{context: c, explicit: explicit, implicit: implicit}
}

// Get resolves a helper path to an absolute path, trying the explicit
// binding, then the implicit cache, then a PATH-style search, caching any
// newly found implicit result.
func (h *HelperDict) Get(helperPath string, isDir bool) (string, bool) {
	if p, ok := h.explicit[helperPath]; ok {
		return p, true
	}
	if h.implicit == nil {
		return "", false
	}
	if p, ok := h.implicit[helperPath]; ok {
		return p, true
	}
	p, ok := h.context.FindPathIn(helperPath, isDir, nil)
	if ok {
		h.implicit[helperPath] = p
	}
	return p, ok
}

// Set binds helperPath explicitly to absPath in this context, only while it
// is the active context.
func (h *HelperDict) Set(helperPath string, absPath string) error {
	stackMu.Lock()
	isActive := len(stack) > 0 && stack[len(stack)-1] == h.context
	stackMu.Unlock()
	if !isActive {
		return &dlberr.ContextModificationError{Name: "helper"}
	}
	if err := h.context.CompletePendingRedos(); err != nil {
		return err
	}
	h.explicit[helperPath] = absPath
	return nil
}
