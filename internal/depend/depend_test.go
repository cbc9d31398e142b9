package depend

import (
	"regexp"
	"testing"
)

func TestNewMultiplicityNormalizesStop(t *testing.T) {
	stop := 5
	m, err := NewMultiplicity(1, &stop, 2)
	if err != nil {
		t.Fatalf("NewMultiplicity: %v", err)
	}
	if !m.Contains(1) || !m.Contains(3) || m.Contains(5) || m.Contains(2) {
		t.Errorf("Contains mismatch for %+v", m)
	}
}

func TestMultiplicityRejectsNonPositiveStep(t *testing.T) {
	if _, err := NewMultiplicity(0, nil, 0); err == nil {
		t.Error("expected error for step 0")
	}
}

func TestCompatibleAndNoLessRestrictiveRejectsDifferentKind(t *testing.T) {
	a := Role{Kind: KindRegularFileInput, Required: true, Explicit: true}
	b := Role{Kind: KindDirectoryInput, Required: true, Explicit: true}
	if a.CompatibleAndNoLessRestrictive(b) {
		t.Error("roles of different kinds should never be compatible")
	}
}

func TestCompatibleAndNoLessRestrictiveRequiresNotLessRequired(t *testing.T) {
	lessRequired := Role{Kind: KindRegularFileInput, Required: false, Explicit: true}
	required := Role{Kind: KindRegularFileInput, Required: true, Explicit: true}
	if lessRequired.CompatibleAndNoLessRestrictive(required) {
		t.Error("a role that is not required must not satisfy a required base role")
	}
	if !required.CompatibleAndNoLessRestrictive(lessRequired) {
		t.Error("a required role should satisfy a non-required base role")
	}
}

func TestValidateSingleRejectsDirectoryForNonDirectoryRole(t *testing.T) {
	r := Role{Kind: KindRegularFileInput, Required: true, Explicit: true}
	if _, err := r.ValidateSingle("a/b/", nil); err == nil {
		t.Error("expected error validating a directory path as a regular-file dependency")
	}
}

func TestValidateSingleAcceptsMatchingPath(t *testing.T) {
	r := Role{Kind: KindDirectoryInput, Required: true, Explicit: true}
	v, err := r.ValidateSingle("a/b/", nil)
	if err != nil {
		t.Fatalf("ValidateSingle: %v", err)
	}
	if _, ok := v.(interface{ IsDir() bool }); !ok {
		t.Error("expected an fsx.Path-like value back")
	}
}

type fakeEnv map[string]string

func (f fakeEnv) Get(name string) (string, bool) { v, ok := f[name]; return v, ok }

func TestEnvVarValidateSingleEnforcesRestriction(t *testing.T) {
	r := Role{Kind: KindEnvVarInput, Required: true, Explicit: true}
	r.EnvPattern = regexp.MustCompile(`[0-9]+`)
	if _, err := r.ValidateSingle("PORT", fakeEnv{"PORT": "abc"}); err == nil {
		t.Error("expected validation error for a non-matching env value")
	}
	v, err := r.ValidateSingle("PORT", fakeEnv{"PORT": "8080"})
	if err != nil {
		t.Fatalf("ValidateSingle: %v", err)
	}
	if v != "8080" {
		t.Errorf("ValidateSingle = %v, want 8080", v)
	}
}

func TestValidateRejectsDuplicatesUnderMultiplicity(t *testing.T) {
	m, _ := NewMultiplicity(0, nil, 1)
	r := Role{Kind: KindRegularFileInput, Required: true, Explicit: true, Multiplicity: &m}
	_, err := r.Validate([]any{"a", "a"}, nil)
	if err == nil {
		t.Error("expected error for duplicate values under a multi-valued role")
	}
}
