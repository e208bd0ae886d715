//go:build linux

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ShadowedMount is one host mount point reflected into a sandbox as an
// overlay. upper, work, and overlay are guaranteed to live on the same
// underlying file system as each other (they are created as siblings
// under the sandbox's storage directory).
type ShadowedMount struct {
	MountPoint string
	ID         MountId
	Upper      string
	Work       string
	Overlay    string
}

// SandboxIdentity names a sandbox and its running state.
type SandboxIdentity struct {
	Name       string
	BaseDir    string
	RealUID    int
	RealGID    int
	AnchorPID  int // -1 if not running
}

const NoAnchorPID = -1

// FileKind is the semantic type of a file as overlayfs cares about it.
type FileKind int

const (
	KindFile FileKind = iota
	KindDir
	KindSymlink
	KindCharDevice
	KindBlockDevice
	KindFIFO
	KindSocket
	KindUnknown
)

// FileFacts is stat-like metadata plus the overlay trusted-attribute
// predicates the Change Engine is built on.
type FileFacts struct {
	Path string
	Mode os.FileMode
	Uid  uint32
	Gid  uint32
	Rdev uint64

	rawMode uint32 // raw st_mode, for S_IFMT kind tests
}

// FactsFromPath lstat()s path and reads its overlay trusted attributes.
// Returns ok=false (no error) if the path does not exist.
func FactsFromPath(path string) (FileFacts, bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT || err == unix.ENOTDIR {
			return FileFacts{}, false, nil
		}
		return FileFacts{}, false, fmt.Errorf("lstat %s: %w", path, err)
	}
	f := FileFacts{
		Path:    path,
		Mode:    os.FileMode(st.Mode & 0o7777),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    uint64(st.Rdev),
		rawMode: st.Mode,
	}
	return f, true, nil
}

func (f FileFacts) Kind() FileKind {
	switch f.rawMode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindFile
	case unix.S_IFDIR:
		return KindDir
	case unix.S_IFLNK:
		return KindSymlink
	case unix.S_IFCHR:
		return KindCharDevice
	case unix.S_IFBLK:
		return KindBlockDevice
	case unix.S_IFIFO:
		return KindFIFO
	case unix.S_IFSOCK:
		return KindSocket
	default:
		return KindUnknown
	}
}

func (f FileFacts) IsDir() bool     { return f.Kind() == KindDir }
func (f FileFacts) IsSymlink() bool { return f.Kind() == KindSymlink }
func (f FileFacts) IsFile() bool    { return f.Kind() == KindFile }

// major/minor extraction mirrors glibc's gnu_dev_major/gnu_dev_minor so
// the whiteout rdev=0 test (major==0 && minor==0) matches what the
// overlay driver itself writes.
func devMajorMinor(rdev uint64) (uint32, uint32) {
	major := unix.Major(rdev)
	minor := unix.Minor(rdev)
	return major, minor
}

const (
	xattrWhiteout = "trusted.overlay.whiteout"
	xattrOpaque   = "trusted.overlay.opaque"
	xattrRedirect = "trusted.overlay.redirect"
)

// lgetxattrRetry reads an xattr value, retrying with a larger buffer on
// ERANGE up to a 64 KiB ceiling (spec.md §7 "Transient filesystem"
// errors). Returns ok=false if the attribute is absent.
func lgetxattrRetry(path, name string) (value string, ok bool, err error) {
	size := 256
	const ceiling = 64 * 1024
	for {
		buf := make([]byte, size)
		n, err := unix.Lgetxattr(path, name, buf)
		if err == nil {
			return string(buf[:n]), true, nil
		}
		if err == unix.ENODATA {
			return "", false, nil
		}
		if err == unix.ENOENT {
			return "", false, nil
		}
		if err == unix.ERANGE && size < ceiling {
			size *= 4
			if size > ceiling {
				size = ceiling
			}
			continue
		}
		return "", false, fmt.Errorf("lgetxattr %s %s: %w", path, name, err)
	}
}

// IsOpaque reports whether this entry carries the overlay "opaque"
// attribute: its contents entirely replace the lower directory.
func (f FileFacts) IsOpaque() (bool, error) {
	if !f.IsDir() {
		return false, nil
	}
	_, ok, err := lgetxattrRetry(f.Path, xattrOpaque)
	return ok, err
}

// IsWhiteout reports whether this entry marks a deletion: either a
// char device with rdev major=minor=0, or the overlay "whiteout"
// trusted attribute.
func (f FileFacts) IsWhiteout() (bool, error) {
	if f.Kind() == KindCharDevice {
		maj, min := devMajorMinor(f.Rdev)
		if maj == 0 && min == 0 {
			return true, nil
		}
	}
	_, ok, err := lgetxattrRetry(f.Path, xattrWhiteout)
	return ok, err
}

// RedirectTo returns the path recorded in the overlay "redirect"
// trusted attribute, if present.
func (f FileFacts) RedirectTo() (string, bool, error) {
	return lgetxattrRetry(f.Path, xattrRedirect)
}

// UpperEntry is one path discovered in a sandbox's upper layer.
type UpperEntry struct {
	LowerPath    string // decoded path as it would appear on the host
	UpperPath    string // physical path inside the upper tree
	UpperFacts   FileFacts
	SourcePath   string // resolved host path, if any
	SourceFacts  FileFacts
	HasSource    bool
}

// SetKind distinguishes a Set operation's two flavors.
type SetKind int

const (
	SetCreate SetKind = iota
	SetModify
)

func (k SetKind) String() string {
	if k == SetCreate {
		return "create"
	}
	return "modify"
}

// ChangeErrorKind enumerates terminal diagnostic reasons.
type ChangeErrorKind int

const (
	ErrUnsupportedFileType ChangeErrorKind = iota
	ErrRedirectPathNotFound
)

func (k ChangeErrorKind) String() string {
	switch k {
	case ErrUnsupportedFileType:
		return "unsupported file type"
	case ErrRedirectPathNotFound:
		return "redirect path not found"
	default:
		return "unknown error"
	}
}

// OperationKind is the tagged discriminant of a ChangeEntry's Operation.
type OperationKind int

const (
	OpSet OperationKind = iota
	OpRemove
	OpRename
	OpError
)

// Operation is the tagged variant spec.md §3 calls for: a flat
// discriminant plus per-kind payload, dispatched with a plain switch by
// the applier (spec.md §9 "Dynamic dispatch on operations" — no
// interface polymorphism).
type Operation struct {
	Kind    OperationKind
	Set     SetKind         // valid when Kind == OpSet
	ErrKind ChangeErrorKind // valid when Kind == OpError
}

// ChangeEntry is the unit the Change Engine operates on.
type ChangeEntry struct {
	Destination string
	Operation   Operation

	HasSource bool
	Source    FileFacts

	HasStaged bool
	Staged    FileFacts

	TmpPath string
}

func setChangeEntry(destination string, kind SetKind, source *FileFacts, staged FileFacts) ChangeEntry {
	e := ChangeEntry{
		Destination: destination,
		Operation:   Operation{Kind: OpSet, Set: kind},
		HasStaged:   true,
		Staged:      staged,
	}
	if source != nil {
		e.HasSource = true
		e.Source = *source
	}
	return e
}

func removeChangeEntry(destination string, source FileFacts) ChangeEntry {
	return ChangeEntry{
		Destination: destination,
		Operation:   Operation{Kind: OpRemove},
		HasSource:   true,
		Source:      source,
	}
}

func renameChangeEntry(destination string, source FileFacts, staged FileFacts) ChangeEntry {
	return ChangeEntry{
		Destination: destination,
		Operation:   Operation{Kind: OpRename},
		HasSource:   true,
		Source:      source,
		HasStaged:   true,
		Staged:      staged,
	}
}

func errorChangeEntry(destination string, kind ChangeErrorKind) ChangeEntry {
	return ChangeEntry{
		Destination: destination,
		Operation:   Operation{Kind: OpError, ErrKind: kind},
	}
}

// IsActuallyModified filters out directory Set(Modify) entries whose
// ownership/mode did not actually change (the original overlay upper
// can carry a directory node for pure metadata bookkeeping with no
// visible difference).
func (e ChangeEntry) IsActuallyModified() bool {
	if e.Operation.Kind != OpSet || e.Operation.Set != SetModify {
		return true
	}
	if !e.HasStaged || !e.Staged.IsDir() || !e.HasSource {
		return true
	}
	if !e.Source.IsDir() {
		return true
	}
	return e.Source.Uid != e.Staged.Uid ||
		e.Source.Gid != e.Staged.Gid ||
		e.Source.Mode != e.Staged.Mode
}
