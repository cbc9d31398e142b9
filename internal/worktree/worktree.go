// Package worktree manages the on-disk management directory of a working
// tree (spec §4.C): root detection, exclusive locking, the mtime probe used
// as a monotonic "working tree clock", the ephemeral temp area, and the
// clock-wait guarantee observed on teardown.
package worktree

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/fredrikaverpil/dlbuild/internal/dlberr"
	"github.com/fredrikaverpil/dlbuild/internal/rundb"
)

// ManagementDirName is the name of the directory whose presence (as a
// non-symlink directory) marks a directory as a working tree root.
const ManagementDirName = ".dlbroot"

// MtimeProbeFileName is the one-byte file repeatedly rewritten to sample
// the working tree's mtime clock.
const MtimeProbeFileName = "o"

// LockDirName is the lock directory created to claim exclusive access.
const LockDirName = "lock"

// TemporaryDirName is the ephemeral scratch area, recreated on every
// Prepare.
const TemporaryDirName = "t"

// FindRoot resolves cwd to an absolute working-tree root: it requires that
// cwd (after resolving symlinks) contains a ManagementDirName entry that is
// a directory and not a symlink.
func FindRoot(cwd string) (string, error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", &dlberr.NoWorkingTreeError{Dir: cwd}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &dlberr.NoWorkingTreeError{Dir: cwd}
	}

	info, err := os.Lstat(filepath.Join(resolved, ManagementDirName))
	if err != nil {
		return "", &dlberr.NoWorkingTreeError{Dir: cwd}
	}
	if !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return "", &dlberr.NoWorkingTreeError{Dir: cwd}
	}
	return resolved, nil
}

// Lock claims exclusive access to the working tree rooted at root via a
// lock directory (gofrs/flock additionally guards against concurrent
// same-process acquisition races on some platforms). The returned token
// identifies this holder and should be logged in diagnostics.
type Lock struct {
	dirPath  string
	fileLock *flock.Flock
	token    string
}

// Acquire creates the lock directory under root's management tree,
// returning a ManagementTreeError if one already exists (or cannot be
// created).
func Acquire(root string) (*Lock, error) {
	managementPath := filepath.Join(root, ManagementDirName)
	lockDirPath := filepath.Join(managementPath, LockDirName)

	if info, err := os.Lstat(lockDirPath); err == nil {
		if !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			if err := removeFilesystemObject(lockDirPath, ""); err != nil {
				return nil, &dlberr.ManagementTreeError{Op: "acquire lock", Err: err}
			}
		}
	}

	if err := os.Mkdir(lockDirPath, 0o777); err != nil {
		return nil, &dlberr.ManagementTreeError{
			Op:  fmt.Sprintf("acquire lock for exclusive access to working tree %q (remove %q to break a stale lock)", root, lockDirPath),
			Err: err,
		}
	}

	fl := flock.New(filepath.Join(lockDirPath, ".flock"))
	_, _ = fl.TryLock() // best-effort: the directory create above is the real exclusion primitive

	return &Lock{dirPath: lockDirPath, fileLock: fl, token: uuid.NewString()}, nil
}

// Token identifies this lock's holder, for diagnostics.
func (l *Lock) Token() string { return l.token }

// Release removes the lock directory. Safe to call once; calling it twice
// returns an error from the second call.
func (l *Lock) Release() error {
	_ = l.fileLock.Unlock()
	_ = os.Remove(filepath.Join(l.dirPath, ".flock"))
	if err := os.Remove(l.dirPath); err != nil {
		return &dlberr.ManagementTreeError{Op: "release working tree lock", Err: err}
	}
	return nil
}

// UniquePathProvider generates an unbounded sequence of short, distinct,
// case-insensitive-safe relative path components rooted at a directory, in
// the same base-36-with-offset scheme as the source's UniquePathProvider.
type UniquePathProvider struct {
	rootPath string
	next     uint64
}

// NewUniquePathProvider returns a provider rooted at an absolute directory.
func NewUniquePathProvider(rootPath string) *UniquePathProvider {
	return &UniquePathProvider{rootPath: rootPath}
}

const firstChars = "abcdefghijklmnopqrstuvwxyz"
const otherChars = firstChars + "0123456789"

// Generate returns the next unique path under the provider's root.
func (p *UniquePathProvider) Generate(suffix string) string {
	i := p.next
	p.next++

	d := i % uint64(len(firstChars))
	i = i / uint64(len(firstChars))
	name := string(firstChars[d])
	for i > 0 {
		i--
		d = i % uint64(len(otherChars))
		i = i / uint64(len(otherChars))
		name += string(otherChars[d])
	}
	name += suffix
	return filepath.Join(p.rootPath, name)
}

// GenerateBig is an overflow-safe variant using math/big, preserved for
// parity with the source's note that the scheme remains valid for astronomic
// call counts; unused by the engine today but kept available for very long
// single-process runs.
func (p *UniquePathProvider) GenerateBig() string {
	i := new(big.Int).SetUint64(p.next)
	p.next++
	base := big.NewInt(int64(len(otherChars)))
	d := new(big.Int)
	firstBase := big.NewInt(int64(len(firstChars)))
	i.DivMod(i, firstBase, d)
	name := string(firstChars[d.Int64()])
	for i.Sign() > 0 {
		i.Sub(i, big.NewInt(1))
		i.DivMod(i, base, d)
		name += string(otherChars[d.Int64()])
	}
	return filepath.Join(p.rootPath, name)
}

// Prepared bundles the objects produced by Prepare.
type Prepared struct {
	TempPathProvider      *UniquePathProvider
	RunDB                 *rundb.Database
	IsCaseSensitive        bool
	mtimeProbePath        string
	mtimeProbeFile        *os.File
}

// Prepare recreates the temp area, refreshes the mtime probe (and its
// case-sensitivity sibling), and opens the run database, under the
// already-locked root.
func Prepare(root string, maxDependencyAge time.Duration) (*Prepared, error) {
	managementPath := filepath.Join(root, ManagementDirName)
	tempRoot := filepath.Join(managementPath, TemporaryDirName)

	if err := removeFilesystemObject(tempRoot, ""); err != nil {
		return nil, &dlberr.ManagementTreeError{Op: "clear temporary area", Err: err}
	}
	if err := os.Mkdir(tempRoot, 0o777); err != nil {
		return nil, &dlberr.ManagementTreeError{Op: "create temporary area", Err: err}
	}

	probePath := filepath.Join(managementPath, MtimeProbeFileName)
	probeUpperPath := filepath.Join(managementPath, strings.ToUpper(MtimeProbeFileName))
	_ = removeFilesystemObject(probePath, "")
	_ = removeFilesystemObject(probeUpperPath, "")

	probeFile, err := os.OpenFile(probePath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o622)
	if err != nil {
		return nil, &dlberr.ManagementTreeError{Op: "create mtime probe", Err: err}
	}

	isCaseSensitive := true
	if _, err := os.Lstat(probeUpperPath); err == nil {
		probeInfo, errA := os.Lstat(probePath)
		upperInfo, errB := os.Lstat(probeUpperPath)
		if errA == nil && errB == nil && os.SameFile(probeInfo, upperInfo) {
			isCaseSensitive = false
		}
	}

	rundbPath := filepath.Join(managementPath, rundb.CurrentSchemaVersion.Filename())
	db, err := rundb.Open(rundbPath, maxDependencyAge,
		fmt.Sprintf("if you suspect database corruption, remove the run-database file: %s", rundbPath))
	if err != nil {
		_ = probeFile.Close()
		return nil, &dlberr.ManagementTreeError{Op: "open run database", Err: err}
	}

	return &Prepared{
		TempPathProvider: NewUniquePathProvider(tempRoot),
		RunDB:            db,
		IsCaseSensitive:  isCaseSensitive,
		mtimeProbePath:   probePath,
		mtimeProbeFile:   probeFile,
	}, nil
}

// WorkingTreeTimeNs rewrites the mtime probe and returns its new mtime in
// nanoseconds — the current sample of the working tree's monotonic clock.
func (p *Prepared) WorkingTreeTimeNs() (int64, error) {
	if _, err := p.mtimeProbeFile.WriteAt([]byte{'0'}, 0); err != nil {
		return 0, &dlberr.ManagementTreeError{Op: "update mtime probe", Err: err}
	}
	info, err := p.mtimeProbeFile.Stat()
	if err != nil {
		return 0, &dlberr.ManagementTreeError{Op: "stat mtime probe", Err: err}
	}
	return info.ModTime().UnixNano(), nil
}

const clockWaitPollInterval = 15 * time.Millisecond
const clockWaitTimeout = 10 * time.Second

// WaitForWorkingTreeTimeChange blocks until WorkingTreeTimeNs returns a
// value later than before, or clockWaitTimeout elapses (guarantee
// G-T2: no two runs observe the same working tree time).
func (p *Prepared) WaitForWorkingTreeTimeChange(before int64) error {
	deadline := time.Now().Add(clockWaitTimeout)
	for {
		wt, err := p.WorkingTreeTimeNs()
		if err != nil {
			return err
		}
		if wt > before {
			return nil
		}
		if time.Now().After(deadline) {
			return &dlberr.WorkingTreeTimeError{WaitedFor: clockWaitTimeout.String()}
		}
		time.Sleep(clockWaitPollInterval)
	}
}

// Cleanup runs the run database's cleanup+commit and removes the temp area,
// without closing the probe or database handles.
func (p *Prepared) Cleanup() error {
	if err := p.RunDB.Cleanup(); err != nil {
		return err
	}
	if err := p.RunDB.Commit(); err != nil {
		return err
	}
	return removeFilesystemObject(p.TempPathProvider.rootPath, "")
}

// Close releases the mtime probe and run database handles, preserving the
// first error encountered (mirroring the source's _close_and_unlock_if_open
// "most serious exception" behavior) and always attempting both releases.
func (p *Prepared) Close() error {
	var first error
	if p.mtimeProbeFile != nil {
		if err := p.mtimeProbeFile.Close(); err != nil && first == nil {
			first = err
		}
		p.mtimeProbeFile = nil
	}
	if p.RunDB != nil {
		if err := p.RunDB.Close(); err != nil && first == nil {
			first = err
		}
		p.RunDB = nil
	}
	return first
}

// removeFilesystemObject removes path, following the source's
// remove-in-place-then-rename-aside-if-needed strategy for non-empty
// directories; emptyDirHint, when non-empty, names a sibling empty
// directory to rename into before a final best-effort removal.
func removeFilesystemObject(path string, emptyDirHint string) error {
	err := os.Remove(path)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}

	info, statErr := os.Lstat(path)
	if statErr != nil || !info.IsDir() {
		return err
	}

	if rmErr := os.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
		return nil
	}

	if emptyDirHint != "" {
		asideName := filepath.Join(emptyDirHint, "t")
		if renameErr := os.Rename(path, asideName); renameErr == nil {
			_ = os.RemoveAll(asideName)
			return nil
		}
	}
	return os.RemoveAll(path)
}
