// Package tool implements spec §4.G: tool-class definition and validation,
// tool-instance construction, and the permanent local fingerprint that
// identifies one instance's explicit dependency bindings across runs.
//
// The source enforces two things at class-definition time that Go's static
// typing already gives for free: a single redo(self, result, context)
// method signature (here, the Go compiler rejects any RedoFunc of the
// wrong shape) and an up-front capture of the file/line a class is defined
// at (here, runtime.Caller at the NewClass call site). What the source
// still has to validate dynamically, and what this package reproduces, is
// the naming convention for execution parameters and dependency roles, and
// the uniqueness of a tool class's definition location.
package tool

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"sort"
	"sync"

	"github.com/fredrikaverpil/dlbuild/internal/depaction"
	"github.com/fredrikaverpil/dlbuild/internal/depend"
	"github.com/fredrikaverpil/dlbuild/internal/dlberr"
)

// upperCaseNameRegex matches a valid execution parameter name:
// UPPER_CASE_WITH_UNDERSCORES, each word starting with a letter.
var upperCaseNameRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z][A-Z0-9]*)*$`)

// lowerCaseMultiWordNameRegex matches a valid dependency role name:
// lower_case_with_underscores, at least two words.
var lowerCaseMultiWordNameRegex = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z][a-z0-9]*)+$`)

// ValidateExecutionParameterName reports whether name is a legal execution
// parameter name.
func ValidateExecutionParameterName(name string) error {
	if !upperCaseNameRegex.MatchString(name) {
		return fmt.Errorf("execution parameter name %q must be UPPER_CASE_WITH_UNDERSCORES", name)
	}
	return nil
}

// ValidateDependencyRoleName reports whether name is a legal dependency
// role name: at least two lower_case words, distinguishing a role from an
// execution parameter at a glance.
func ValidateDependencyRoleName(name string) error {
	if !lowerCaseMultiWordNameRegex.MatchString(name) {
		return fmt.Errorf("dependency role name %q must be lower_case_multi_word (at least two words)", name)
	}
	return nil
}

// engineVersion is bumped whenever a change to this package would change a
// tool instance's fingerprint or a run's redo-necessity decision for
// reasons unrelated to the tool class or run-database schema itself.
const engineVersion = "1"

// PlatformID returns the permanent local identity of the platform this
// engine binary runs under: it changes whenever the OS, Go runtime, or
// engine version changes, analogous to the source's PERMANENT_PLATFORM_ID.
// Unlike the source, it does not shell out to a slow "platform string"
// API — runtime.GOOS and runtime.Version() are already as specific and far
// cheaper to obtain.
func PlatformID() []byte {
	var buf bytes.Buffer
	writeTaggedString(&buf, runtime.GOOS)
	writeTaggedString(&buf, runtime.Version())
	writeTaggedString(&buf, engineVersion)
	return buf.Bytes()
}

func writeTaggedString(w io.Writer, s string) {
	fmt.Fprintf(w, "%d:%s", len(s), s)
}

// RoleSpec binds a dependency role to the name it is addressed by when
// constructing an instance.
type RoleSpec struct {
	Name string
	Role depend.Role
}

// RedoFunc is the single signature a tool class's redo action may take.
// result accumulates non-explicit dependency values the action discovers;
// ctx is the context.Context of the redo engine's scheduler, cancelled
// when pending redos are cancelled. The returned bool mirrors
// the source's redo() return value: true requests an unconditional redo
// on the next Start of this tool instance, regardless of whether its
// dependencies have changed.
type RedoFunc func(result *Result, ctx any) (bool, error)

// definitionLocation identifies the source location a tool class was
// defined at, the Go analogue of the source's per-class
// __module__/__qualname__ capture.
type definitionLocation struct {
	file string
	line int
}

// Class is one tool class: an ordered set of dependency roles, a set of
// execution parameter names, and a redo action. Construct with NewClass.
type Class struct {
	Name                    string
	Roles                   []RoleSpec
	ExecutionParameterNames []string
	// ExecutionParameterValues holds one value per name in
	// ExecutionParameterNames, set once when the class is defined — the Go
	// analogue of the source's class-level attribute assignment. Every
	// value must be of a "fundamental" type: nil, bool, a numeric type,
	// string, or a slice/map composed only of such values.
	ExecutionParameterValues map[string]any
	Redo                     RedoFunc
	DefinitionPaths          []string

	location definitionLocation
}

// Info is the permanent identity of a tool class as recorded in the run
// database: a stable id derived from its name and dependency-role shape,
// together with the source files it was defined from (treated as implicit
// input dependencies of every instance).
type Info struct {
	PermanentLocalToolID []byte
	DefinitionPaths      []string
}

var (
	registryMu           sync.Mutex
	classByDefinitionLoc = map[definitionLocation]*Class{}
	infoByClass          = map[*Class]Info{}
)

// NewClass validates name and role/parameter naming conventions, captures
// the call site as this class's definition location, and registers it.
// Calling NewClass twice from the same source location with a
// name/role/parameter shape different from the first call is rejected as
// a DefinitionAmbiguityError — the source's way of catching a tool class
// redefined incompatibly between runs of the same script.
func NewClass(name string, roles []RoleSpec, executionParameterNames []string, redo RedoFunc, definitionPaths ...string) (*Class, error) {
	if name == "" {
		return nil, &dlberr.DefinitionAmbiguityError{Reason: "tool class must have a non-empty name"}
	}
	seenRole := map[string]bool{}
	for _, rs := range roles {
		if err := ValidateDependencyRoleName(rs.Name); err != nil {
			return nil, &dlberr.DefinitionAmbiguityError{Reason: err.Error()}
		}
		if seenRole[rs.Name] {
			return nil, &dlberr.DefinitionAmbiguityError{Reason: fmt.Sprintf("dependency role %q declared more than once", rs.Name)}
		}
		seenRole[rs.Name] = true
	}
	seenParam := map[string]bool{}
	for _, p := range executionParameterNames {
		if err := ValidateExecutionParameterName(p); err != nil {
			return nil, &dlberr.DefinitionAmbiguityError{Reason: err.Error()}
		}
		if seenParam[p] {
			return nil, &dlberr.DefinitionAmbiguityError{Reason: fmt.Sprintf("execution parameter %q declared more than once", p)}
		}
		seenParam[p] = true
	}
	if redo == nil {
		return nil, &dlberr.DefinitionAmbiguityError{Reason: "tool class must define a redo action"}
	}

	_, file, line, _ := runtime.Caller(1)
	loc := definitionLocation{file: file, line: line}

	tc := &Class{
		Name:                    name,
		Roles:                   append([]RoleSpec(nil), roles...),
		ExecutionParameterNames: append([]string(nil), executionParameterNames...),
		Redo:                    redo,
		DefinitionPaths:         append([]string(nil), definitionPaths...),
		location:                loc,
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := classByDefinitionLoc[loc]; ok {
		if !sameShape(existing, tc) {
			return nil, &dlberr.DefinitionAmbiguityError{
				Reason: fmt.Sprintf("tool class redefined with a different shape at %s:%d", file, line),
			}
		}
		return existing, nil
	}
	classByDefinitionLoc[loc] = tc
	return tc, nil
}

func sameShape(a, b *Class) bool {
	if a.Name != b.Name || len(a.Roles) != len(b.Roles) || len(a.ExecutionParameterNames) != len(b.ExecutionParameterNames) {
		return false
	}
	for i := range a.Roles {
		if a.Roles[i].Name != b.Roles[i].Name || a.Roles[i].Role.Kind != b.Roles[i].Role.Kind {
			return false
		}
	}
	for i := range a.ExecutionParameterNames {
		if a.ExecutionParameterNames[i] != b.ExecutionParameterNames[i] {
			return false
		}
	}
	return true
}

// GetAndRegisterInfo returns tc's permanent identity, computing and caching
// it on first use. The permanent id is a SHA-1 digest over the class name,
// its dependency roles' kinds in declared order, and the running
// PlatformID — stable across runs on the same platform, and guaranteed to
// change if the platform or engine changes in a way that could invalidate
// prior redo decisions.
func GetAndRegisterInfo(tc *Class) Info {
	registryMu.Lock()
	defer registryMu.Unlock()
	if info, ok := infoByClass[tc]; ok {
		return info
	}

	h := sha1.New()
	writeTaggedString(h, tc.Name)
	for _, rs := range tc.Roles {
		fmt.Fprintf(h, "%d:%s;", rs.Role.Kind, rs.Name)
	}
	h.Write(PlatformID())

	info := Info{
		PermanentLocalToolID: h.Sum(nil),
		DefinitionPaths:      append([]string(nil), tc.DefinitionPaths...),
	}
	infoByClass[tc] = info
	return info
}

// Result accumulates the non-explicit dependency values a redo action
// discovers, and is returned to the caller of a tool instance's Start once
// the redo (if any) has completed.
type Result struct {
	Instance *Instance
	Values   map[string]any
}

// Instance is one bound occurrence of a tool class: a validated value (or
// nil, if not required) for every declared dependency role, and the
// fingerprint those explicit bindings produce.
type Instance struct {
	Class       *Class
	Values      map[string]any // role name -> validated value
	envVarNames map[string]string
	Fingerprint []byte
}

// NewInstance binds kwargs (role name -> raw value) against tc's
// dependency roles, validating each given value and rejecting unknown
// names and missing required roles; a role given no value (or nil) is
// bound to nil. env resolves imported environment variables for
// KindEnvVarInput roles; it may be nil if tc declares none.
func NewInstance(tc *Class, kwargs map[string]any, env depend.EnvLookup) (*Instance, error) {
	roleByName := make(map[string]RoleSpec, len(tc.Roles))
	for _, rs := range tc.Roles {
		roleByName[rs.Name] = rs
	}
	for name := range kwargs {
		if _, ok := roleByName[name]; !ok {
			return nil, &dlberr.DependencyError{Role: name, Reason: "not a dependency role of this tool class"}
		}
	}

	values := make(map[string]any, len(tc.Roles))
	envVarNames := make(map[string]string)

	for _, rs := range tc.Roles {
		raw, given := kwargs[rs.Name]
		if !given || raw == nil {
			if rs.Role.Required {
				return nil, &dlberr.DependencyError{Role: rs.Name, Reason: "required dependency not given"}
			}
			values[rs.Name] = nil
			continue
		}
		if rs.Role.Kind == depend.KindEnvVarInput {
			if name, ok := raw.(string); ok {
				envVarNames[rs.Name] = name
			}
		}
		validated, err := rs.Role.Validate(raw, env)
		if err != nil {
			return nil, err
		}
		values[rs.Name] = validated
	}

	inst := &Instance{Class: tc, Values: values, envVarNames: envVarNames}
	inst.Fingerprint = computeFingerprint(tc, values, envVarNames)
	return inst, nil
}

// computeFingerprint hashes, in declared role order, every explicit role's
// permanent instance id followed by its permanent value id. Non-explicit
// roles contribute nothing: their values are only known once a redo runs,
// and changing them can never by itself make a prior run's output stale
// under a different tool instance identity.
func computeFingerprint(tc *Class, values map[string]any, envVarNames map[string]string) []byte {
	h := sha1.New()
	for _, rs := range tc.Roles {
		if !rs.Role.Explicit {
			continue
		}
		envVarName := envVarNames[rs.Name]
		h.Write(depaction.InstanceID(rs.Role, envVarName))

		v := values[rs.Name]
		var asSlice []any
		if v != nil {
			if rs.Role.Multiplicity != nil {
				asSlice, _ = v.([]any)
			} else {
				asSlice = []any{v}
			}
		}
		h.Write(depaction.ValueID(rs.Role, asSlice))
	}
	return h.Sum(nil)
}

// ExecutionParameterDigest encodes tc's execution parameter values, in
// declared name order, into a permanent byte string — condensed to a
// SHA-1 digest once it reaches 20 bytes, matching the source's own
// threshold for when hashing pays for itself over direct comparison.
func ExecutionParameterDigest(tc *Class) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range tc.ExecutionParameterNames {
		v := tc.ExecutionParameterValues[name]
		enc, err := encodeFundamental(v)
		if err != nil {
			return nil, &dlberr.ExecutionParameterError{Name: name}
		}
		buf.Write(enc)
	}
	if buf.Len() >= 20 {
		sum := sha1.Sum(buf.Bytes())
		return sum[:], nil
	}
	return buf.Bytes(), nil
}

// encodeFundamental renders a "fundamental" value (nil, bool, a numeric
// type, string, or a slice/map of only such values) as a permanent byte
// string, rejecting anything else.
func encodeFundamental(v any) ([]byte, error) {
	var buf bytes.Buffer
	switch val := v.(type) {
	case nil:
		buf.WriteByte(0)
	case bool:
		buf.WriteByte(1)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		buf.WriteByte(2)
		writeTaggedString(&buf, val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		buf.WriteByte(3)
		fmt.Fprintf(&buf, "%v", val)
	case []any:
		buf.WriteByte(4)
		for _, item := range val {
			enc, err := encodeFundamental(item)
			if err != nil {
				return nil, err
			}
			writeTaggedString(&buf, string(enc))
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte(5)
		for _, k := range keys {
			enc, err := encodeFundamental(val[k])
			if err != nil {
				return nil, err
			}
			writeTaggedString(&buf, k)
			writeTaggedString(&buf, string(enc))
		}
	default:
		return nil, fmt.Errorf("value of type %T is not fundamental", v)
	}
	return buf.Bytes(), nil
}

// ExplicitRoleNames returns the names of tc's explicit dependency roles, in
// declared order.
func ExplicitRoleNames(tc *Class) []string {
	names := make([]string, 0, len(tc.Roles))
	for _, rs := range tc.Roles {
		if rs.Role.Explicit {
			names = append(names, rs.Name)
		}
	}
	return names
}

// NonExplicitRoleNames returns the names of tc's non-explicit dependency
// roles, sorted for deterministic iteration by callers that do not care
// about declaration order.
func NonExplicitRoleNames(tc *Class) []string {
	names := make([]string, 0, len(tc.Roles))
	for _, rs := range tc.Roles {
		if !rs.Role.Explicit {
			names = append(names, rs.Name)
		}
	}
	sort.Strings(names)
	return names
}
