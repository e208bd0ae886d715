package sandbox

import (
	"encoding/base32"
	"strings"
)

// mountIDEncoding is unpadded, case-insensitive base32, matching the
// directory-name-safe encoding used for every MountId on disk.
var mountIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// MountId is the per-sandbox identifier for a host mount point: the
// unpadded base32 encoding of the mount-point path's bytes. It is used
// as a directory name under upper/work/overlay, so it must never
// contain '/'.
type MountId string

// NewMountId derives the MountId for a host mount-point path.
func NewMountId(mountPoint string) MountId {
	return MountId(mountIDEncoding.EncodeToString([]byte(mountPoint)))
}

// Decode recovers the mount-point path the MountId was derived from.
// Decoding is case-insensitive: upper-layer directory names may have
// been produced by any case variant of the standard base32 alphabet.
//
// Returns ok=false (never an error) for names that aren't valid base32 —
// callers must skip and log such entries rather than treat them as
// fatal, since they may belong to an unrelated directory an operator
// dropped into the storage tree.
func (m MountId) Decode() (path string, ok bool) {
	s := strings.ToUpper(string(m))
	raw, err := mountIDEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (m MountId) String() string {
	return string(m)
}
