package fsx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
)

// StatSummary is the subset of a stat(2) result the engine persists.
type StatSummary struct {
	Mode    uint32
	Size    int64
	MtimeNs int64
	Uid     uint32
	Gid     uint32
}

// IsSymlink reports whether Mode denotes a symbolic link.
func (s StatSummary) IsSymlink() bool { return fs.FileMode(s.Mode)&fs.ModeSymlink != 0 }

// IsDir reports whether Mode denotes a directory.
func (s StatSummary) IsDir() bool { return fs.FileMode(s.Mode).IsDir() }

// IsRegular reports whether Mode denotes a regular file.
func (s StatSummary) IsRegular() bool { return fs.FileMode(s.Mode).IsRegular() }

// Memo is a record of a filesystem object's state: absent, or present with
// a StatSummary and, for symlinks, the link target. Memos are produced by
// lstat (never following symlinks) and are never mutated once created.
type Memo struct {
	Stat          *StatSummary
	SymlinkTarget *string
}

// Exists reports whether the memo describes an existing object.
func (m Memo) Exists() bool { return m.Stat != nil }

// Read lstats nativePath and builds its Memo. Non-existence is reported as
// a Memo with Stat == nil, not as an error, unless requireExists is true.
func Read(nativePath string, requireExists bool) (Memo, error) {
	info, err := os.Lstat(nativePath)
	if err != nil {
		if os.IsNotExist(err) {
			if requireExists {
				return Memo{}, err
			}
			return Memo{}, nil
		}
		return Memo{}, err
	}
	sys := statSummaryFrom(info)
	m := Memo{Stat: &sys}
	if sys.IsSymlink() {
		target, err := os.Readlink(nativePath)
		if err != nil {
			return Memo{}, err
		}
		m.SymlinkTarget = &target
	}
	return m, nil
}

// Encode renders m as a compact, exact, round-trip-stable byte tuple:
// empty for "absent", otherwise a fixed-width binary record.
func Encode(m Memo) []byte {
	if m.Stat == nil {
		return nil
	}
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, m.Stat.Mode)
	_ = binary.Write(buf, binary.BigEndian, m.Stat.Size)
	_ = binary.Write(buf, binary.BigEndian, m.Stat.MtimeNs)
	_ = binary.Write(buf, binary.BigEndian, m.Stat.Uid)
	_ = binary.Write(buf, binary.BigEndian, m.Stat.Gid)
	if m.Stat.IsSymlink() {
		target := ""
		if m.SymlinkTarget != nil {
			target = *m.SymlinkTarget
		}
		_ = binary.Write(buf, binary.BigEndian, uint32(len(target)))
		buf.WriteString(target)
	}
	return buf.Bytes()
}

// Decode is total on syntactically valid keys produced by Encode and fails
// otherwise.
func Decode(b []byte) (Memo, error) {
	if len(b) == 0 {
		return Memo{}, nil
	}
	const fixedLen = 4 + 8 + 8 + 4 + 4
	if len(b) < fixedLen {
		return Memo{}, fmt.Errorf("fsx: truncated memo encoding (%d bytes)", len(b))
	}
	r := bytes.NewReader(b)
	var s StatSummary
	_ = binary.Read(r, binary.BigEndian, &s.Mode)
	_ = binary.Read(r, binary.BigEndian, &s.Size)
	_ = binary.Read(r, binary.BigEndian, &s.MtimeNs)
	_ = binary.Read(r, binary.BigEndian, &s.Uid)
	_ = binary.Read(r, binary.BigEndian, &s.Gid)
	m := Memo{Stat: &s}
	if s.IsSymlink() {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Memo{}, fmt.Errorf("fsx: truncated symlink-target length: %w", err)
		}
		rest := make([]byte, n)
		if _, err := r.Read(rest); err != nil && n > 0 {
			return Memo{}, fmt.Errorf("fsx: truncated symlink target: %w", err)
		}
		target := string(rest)
		m.SymlinkTarget = &target
	} else if r.Len() != 0 {
		return Memo{}, fmt.Errorf("fsx: trailing bytes after non-symlink memo")
	}
	return m, nil
}

// Equal reports whether two memos describe the same filesystem state for
// the purpose of redo-necessity comparisons (type, size, mtime, mode,
// uid, gid, and — for symlinks — target).
func (m Memo) Equal(other Memo) bool {
	if m.Exists() != other.Exists() {
		return false
	}
	if !m.Exists() {
		return true
	}
	a, b := *m.Stat, *other.Stat
	if fs.FileMode(a.Mode).Type() != fs.FileMode(b.Mode).Type() {
		return false
	}
	if a.IsSymlink() {
		at, bt := "", ""
		if m.SymlinkTarget != nil {
			at = *m.SymlinkTarget
		}
		if other.SymlinkTarget != nil {
			bt = *other.SymlinkTarget
		}
		if at != bt {
			return false
		}
	}
	return a.Size == b.Size && a.MtimeNs == b.MtimeNs && a.Mode == b.Mode && a.Uid == b.Uid && a.Gid == b.Gid
}
