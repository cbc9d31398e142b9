// Package depend implements the dependency-role model of spec §4.E: role
// cardinality, multiplicity, the concrete dependency kinds a tool can
// declare, and the "no less restrictive" subclass ordering used when a
// tool instance overrides a role declared by a base tool class.
package depend

import (
	"fmt"
	"regexp"

	"github.com/fredrikaverpil/dlbuild/internal/dlberr"
	"github.com/fredrikaverpil/dlbuild/internal/fsx"
)

// Kind identifies one of the concrete dependency kinds a Role may declare.
type Kind int

const (
	KindRegularFileInput Kind = iota
	KindNonRegularFileInput
	KindDirectoryInput
	KindRegularFileOutput
	KindNonRegularFileOutput
	KindDirectoryOutput
	KindEnvVarInput
	KindObjectOutput
)

// IsFilesystemObject reports whether k denotes a path-valued dependency.
func (k Kind) IsFilesystemObject() bool {
	switch k {
	case KindRegularFileInput, KindNonRegularFileInput, KindDirectoryInput,
		KindRegularFileOutput, KindNonRegularFileOutput, KindDirectoryOutput:
		return true
	}
	return false
}

// IsInput reports whether k denotes an input-side dependency.
func (k Kind) IsInput() bool {
	switch k {
	case KindRegularFileInput, KindNonRegularFileInput, KindDirectoryInput, KindEnvVarInput:
		return true
	}
	return false
}

// IsDirectory reports whether k requires a directory path.
func (k Kind) IsDirectory() bool {
	return k == KindDirectoryInput || k == KindDirectoryOutput
}

// Multiplicity restricts the cardinality of a multi-valued role to
// {n : n >= Start, n < Stop (if set), (n - Start) % Step == 0} — mirroring
// the source's slice-like MultiplicityRange.
type Multiplicity struct {
	Start int
	Stop  *int // nil: unbounded
	Step  int
}

// NewMultiplicity validates and constructs m, normalizing Stop the way the
// source's MultiplicityRange constructor does (rounding down to the last
// value actually reachable from Start in steps of Step).
func NewMultiplicity(start int, stop *int, step int) (Multiplicity, error) {
	if step <= 0 {
		return Multiplicity{}, fmt.Errorf("multiplicity step must be positive, not %d", step)
	}
	if start < 0 {
		return Multiplicity{}, fmt.Errorf("minimum multiplicity must be non-negative, not %d", start)
	}
	if stop == nil {
		return Multiplicity{Start: start, Stop: nil, Step: step}, nil
	}
	if *stop < 0 {
		return Multiplicity{}, fmt.Errorf("upper multiplicity bound must be non-negative, not %d", *stop)
	}
	if *stop <= start {
		zero := 0
		return Multiplicity{Start: 0, Stop: &zero, Step: 1}, nil
	}
	count := (*stop - start - 1) / step
	normalizedStop := count*step + start + 1
	if count == 0 {
		normalizedStop = start + 1
		step = 1
	}
	return Multiplicity{Start: start, Stop: &normalizedStop, Step: step}, nil
}

// Contains reports whether n is an accepted member count.
func (m Multiplicity) Contains(n int) bool {
	if n < m.Start {
		return false
	}
	if m.Stop != nil && n >= *m.Stop {
		return false
	}
	return (n-m.Start)%m.Step == 0
}

func (m Multiplicity) String() string {
	if m.Stop != nil && *m.Stop == m.Start+1 {
		return fmt.Sprintf("[%d]", m.Start)
	}
	stop := ""
	if m.Stop != nil {
		stop = fmt.Sprintf("%d", *m.Stop)
	}
	start := ""
	if m.Start != 0 {
		start = fmt.Sprintf("%d", m.Start)
	}
	s := fmt.Sprintf("[%s:%s", start, stop)
	if m.Step > 1 {
		s += fmt.Sprintf(":%d", m.Step)
	}
	return s + "]"
}

// Role is one dependency slot a tool class declares: its kind, cardinality,
// optional multiplicity, and kind-specific validators.
type Role struct {
	Kind         Kind
	Required     bool
	Explicit     bool
	Multiplicity *Multiplicity // nil: single-valued role

	PathClass        *fsx.Class     // for filesystem-object kinds
	IgnorePermission bool           // for filesystem-object input kinds
	EnvPattern       *regexp.Regexp // for KindEnvVarInput
}

// CompatibleAndNoLessRestrictive reports whether r may be used where other
// is declared — same kind, same single/multi-valued-ness, a multiplicity
// range no wider than other's, required/explicit no less strict, and (for
// filesystem roles) r.PathClass no less restrictive than other.PathClass.
func (r Role) CompatibleAndNoLessRestrictive(other Role) bool {
	if r.Kind != other.Kind {
		return false
	}
	if (r.Multiplicity == nil) != (other.Multiplicity == nil) {
		return false
	}
	if r.Multiplicity != nil {
		ms, mo := *r.Multiplicity, *other.Multiplicity
		if ms.Step != mo.Step || ms.Start < mo.Start {
			return false
		}
		if ms.Stop == nil {
			if mo.Stop != nil {
				return false
			}
		} else if mo.Stop != nil && *ms.Stop > *mo.Stop {
			return false
		}
	}
	if other.Required && !r.Required {
		return false
	}
	if r.Explicit != other.Explicit {
		return false
	}
	if r.Kind.IsFilesystemObject() {
		if r.PathClass != nil && other.PathClass != nil && !r.PathClass.IsNoLessRestrictiveThan(other.PathClass) {
			return false
		}
		if r.Kind.IsInput() && !other.IgnorePermission && r.IgnorePermission {
			return false
		}
	}
	if r.Kind == KindEnvVarInput {
		if r.EnvPattern == nil || other.EnvPattern == nil || r.EnvPattern.String() != other.EnvPattern.String() {
			return false
		}
	}
	return true
}

// EnvLookup resolves the current value of an imported environment
// variable, matching ctxstack.EnvVarDict.Get without depend importing
// ctxstack.
type EnvLookup interface {
	Get(name string) (string, bool)
}

// ValidateSingle validates one concrete value against the role, returning
// the normalized value (an fsx.Path for filesystem roles, a string for
// KindEnvVarInput, the value unchanged for KindObjectOutput).
func (r Role) ValidateSingle(value any, env EnvLookup) (any, error) {
	switch {
	case r.Kind.IsFilesystemObject():
		var p fsx.Path
		switch v := value.(type) {
		case fsx.Path:
			p = v
		case string:
			parsed, err := fsx.New(v)
			if err != nil {
				return nil, &dlberr.DependencyError{Reason: err.Error()}
			}
			p = parsed
		default:
			return nil, &dlberr.DependencyError{Reason: "value must be a path"}
		}
		if r.PathClass != nil {
			if err := r.PathClass.Validate(p); err != nil {
				return nil, &dlberr.DependencyError{Reason: err.Error()}
			}
		}
		if r.Kind.IsDirectory() && !p.IsDir() {
			return nil, &dlberr.DependencyError{Reason: "non-directory path not valid for directory dependency"}
		}
		if !r.Kind.IsDirectory() && p.IsDir() {
			return nil, &dlberr.DependencyError{Reason: "directory path not valid for non-directory dependency"}
		}
		return p, nil

	case r.Kind == KindEnvVarInput:
		name, ok := value.(string)
		if !ok || name == "" {
			return nil, &dlberr.DependencyError{Reason: "environment variable dependency value must be a non-empty name"}
		}
		if env == nil {
			return nil, &dlberr.DependencyError{Role: name, Reason: "environment variable dependency needs a context"}
		}
		envValue, ok := env.Get(name)
		if !ok {
			return nil, &dlberr.DependencyError{Role: name, Reason: "not a defined environment variable in the context"}
		}
		if r.EnvPattern != nil && !r.EnvPattern.MatchString(envValue) {
			return nil, &dlberr.DependencyError{Role: name, Reason: "value is invalid with respect to restriction"}
		}
		return envValue, nil

	case r.Kind == KindObjectOutput:
		if value == nil {
			return nil, &dlberr.DependencyError{Reason: "value must not be nil"}
		}
		return value, nil
	}
	return nil, &dlberr.DependencyError{Reason: "unknown dependency kind"}
}

// Validate validates value against the role as a whole: a single concrete
// value when Multiplicity is nil, or a duplicate-free slice matching
// Multiplicity otherwise.
func (r Role) Validate(value any, env EnvLookup) (any, error) {
	if r.Multiplicity == nil {
		if value == nil {
			return nil, &dlberr.DependencyError{Reason: "value must not be nil"}
		}
		return r.ValidateSingle(value, env)
	}

	values, ok := value.([]any)
	if !ok {
		return nil, &dlberr.DependencyError{Reason: "value must be a slice for a multi-valued dependency"}
	}

	seen := map[any]bool{}
	out := make([]any, 0, len(values))
	for _, v := range values {
		validated, err := r.ValidateSingle(v, env)
		if err != nil {
			return nil, err
		}
		key := validated
		if p, ok := validated.(fsx.Path); ok {
			key = p.Key()
		}
		if seen[key] {
			return nil, &dlberr.DependencyError{Reason: "sequence of dependencies must be duplicate-free"}
		}
		seen[key] = true
		out = append(out, validated)
	}

	if !r.Multiplicity.Contains(len(out)) {
		return nil, &dlberr.DependencyError{
			Reason: fmt.Sprintf("value has %d members, which is not accepted according to multiplicity %s", len(out), r.Multiplicity),
		}
	}
	return out, nil
}
