// Package depaction implements the per-kind dependency actions of spec
// §4.F: computing the permanent instance/value identities that feed a tool
// instance's fingerprint, checking a filesystem-object memo against the
// kind's shape constraint, and replacing an output in the managed tree.
package depaction

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fredrikaverpil/dlbuild/internal/depend"
	"github.com/fredrikaverpil/dlbuild/internal/fsx"
)

// dependencyID is the stable, never-reused integer identifying each
// registered dependency kind, exactly as assigned by the source's
// register_action calls.
var dependencyID = map[depend.Kind]int{
	depend.KindRegularFileInput:     0,
	depend.KindNonRegularFileInput:  1,
	depend.KindDirectoryInput:       2,
	depend.KindEnvVarInput:          3,
	depend.KindRegularFileOutput:    4,
	depend.KindNonRegularFileOutput: 5,
	depend.KindDirectoryOutput:      6,
	depend.KindObjectOutput:         7,
}

// InstanceID returns the permanent local identity of one role occurrence
// within a tool class: it depends on the dependency kind and on whether the
// role is explicit, and — for KindEnvVarInput — on the environment variable
// name, but never on the role's required-ness or on any validated value.
func InstanceID(role depend.Role, envVarName string) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(dependencyID[role.Kind]))
	writeBool(&buf, role.Explicit)
	if role.Kind == depend.KindEnvVarInput {
		writeString(&buf, envVarName)
	}
	return buf.Bytes()
}

// ValueID returns the permanent local identity of a role's current
// validated value(s) — nil encodes "no value" (the role was not bound, or
// its prior value was invalidated).
func ValueID(role depend.Role, values []any) []byte {
	var buf bytes.Buffer
	if values == nil {
		writeUvarint(&buf, 0)
		return buf.Bytes()
	}
	writeUvarint(&buf, uint64(len(values))+1)
	for _, v := range values {
		switch val := v.(type) {
		case fsx.Path:
			writeString(&buf, val.AsString())
		case string:
			writeString(&buf, val)
		default:
			writeString(&buf, fmt.Sprintf("%v", val))
		}
	}
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// CheckMemo validates that a freshly-read filesystem-object memo matches
// the shape the role's kind requires (regular file / non-regular file /
// directory). A memo of an absent filesystem object is reported as an
// error.
func CheckMemo(kind depend.Kind, memo fsx.Memo) error {
	if memo.Stat == nil {
		return fmt.Errorf("filesystem object does not exist")
	}
	isDir := memo.Stat.IsDir()
	isRegular := memo.Stat.IsRegular()

	switch kind {
	case depend.KindRegularFileInput, depend.KindRegularFileOutput:
		if !isRegular {
			return fmt.Errorf("filesystem object exists but is not a regular file")
		}
	case depend.KindNonRegularFileInput, depend.KindNonRegularFileOutput:
		if isRegular {
			return fmt.Errorf("filesystem object exists but is a regular file")
		}
		if isDir {
			return fmt.Errorf("filesystem object exists but is a directory")
		}
	case depend.KindDirectoryInput, depend.KindDirectoryOutput:
		if !isDir {
			return fmt.Errorf("filesystem object exists but is not a directory")
		}
	}
	return nil
}

// TreatAsModifiedAfterRedo reports whether an output of this kind must be
// considered modified the instant a redo starts, before its actual
// replacement is known. A regular-file output counts as modified only when
// replaceBySameContent is set (Replace then replaces it without comparing
// contents); without it, the content comparison in Replace decides. Every
// other output kind always counts as modified.
func TreatAsModifiedAfterRedo(kind depend.Kind, replaceBySameContent bool) bool {
	if kind == depend.KindRegularFileOutput {
		return replaceBySameContent
	}
	return true
}

// Informer receives a human-readable diagnostic line, e.g. a diag.Sink's
// Inform method.
type Informer func(string)

const contentCompareBufSize = 8 * 1024

// Replace moves source (a path inside the managed temp area) onto
// destination (a path inside the managed tree), both relative to root.
// It returns whether destination was possibly changed by the call.
func Replace(kind depend.Kind, root, source, destination string, replaceBySameContent bool, inform Informer) (bool, error) {
	src := filepath.Join(root, source)
	dst := filepath.Join(root, destination)

	switch kind {
	case depend.KindRegularFileOutput:
		return replaceRegularFile(src, dst, destination, replaceBySameContent, inform)
	case depend.KindNonRegularFileOutput:
		return replaceSimple(src, dst, destination, "replaced non-regular file", inform)
	case depend.KindDirectoryOutput:
		return replaceDirectory(src, dst, destination, inform)
	}
	return false, fmt.Errorf("do not know how to replace a dependency of this kind")
}

func replaceRegularFile(src, dst, destinationDisplay string, replaceBySameContent bool, inform Informer) (bool, error) {
	doReplace := replaceBySameContent
	if !doReplace {
		same, err := filesHaveSameContent(src, dst)
		doReplace = err != nil || !same
	}

	if !doReplace {
		if err := os.Remove(src); err != nil {
			return false, err
		}
		if inform != nil {
			inform(fmt.Sprintf("kept regular file because replacement has same content: %q", destinationDisplay))
		}
		return false, nil
	}

	return replaceSimple(src, dst, destinationDisplay, "replaced regular file with different one", inform)
}

func filesHaveSameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	sa, err := fa.Stat()
	if err != nil {
		return false, err
	}
	sb, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if sa.Size() != sb.Size() || sa.Mode().IsRegular() != sb.Mode().IsRegular() {
		return false, nil
	}

	bufA := make([]byte, contentCompareBufSize)
	bufB := make([]byte, contentCompareBufSize)
	for {
		na, erra := io.ReadFull(fa, bufA)
		nb, errb := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if erra == io.EOF || erra == io.ErrUnexpectedEOF {
			return errb == io.EOF || errb == io.ErrUnexpectedEOF, nil
		}
		if erra != nil {
			return false, erra
		}
	}
}

func replaceSimple(src, dst, destinationDisplay, message string, inform Informer) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return false, err
	}
	if err := os.Rename(src, dst); err != nil {
		return false, err
	}
	if inform != nil {
		inform(fmt.Sprintf("%s: %q", message, destinationDisplay))
	}
	return true, nil
}

func replaceDirectory(src, dst, destinationDisplay string, inform Informer) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return false, err
	}
	if err := os.RemoveAll(dst); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := os.Rename(src, dst); err != nil {
		return false, err
	}
	if inform != nil {
		inform(fmt.Sprintf("replaced directory: %q", destinationDisplay))
	}
	return true, nil
}
