package dlberr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestManagementTreeErrorUnwraps(t *testing.T) {
	cause := errors.New("permission denied")
	err := &ManagementTreeError{Op: "lock", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if got := err.Error(); got == "" {
		t.Error("Error() should not be empty")
	}
}

func TestDatabaseErrorUnwrapsAndFormatsHint(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := &DatabaseError{Summary: "could not open run database", Hint: "check disk space", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	msg := err.Error()
	if !strings.Contains(msg, "could not open run database") || !strings.Contains(msg, "check disk space") {
		t.Errorf("Error() = %q, want it to contain summary and hint", msg)
	}
}

func TestDependencyErrorMentionsRoleAndReason(t *testing.T) {
	err := &DependencyError{Role: "source_file", Reason: "missing"}
	msg := err.Error()
	if !strings.Contains(msg, "source_file") || !strings.Contains(msg, "missing") {
		t.Errorf("Error() = %q, want it to mention role and reason", msg)
	}
}
