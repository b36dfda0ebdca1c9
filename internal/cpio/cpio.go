// Package cpio reads and writes the newc ("070701") boot-ramdisk
// archive format. Unpacking materializes the archive into a directory
// tree plus a sidecar metadata file; packing reverses the process,
// consulting the sidecar so an unmodified tree round-trips to
// byte-identical member content.
package cpio

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	headerLen   = 110
	magicNewc   = "070701"
	trailerName = "TRAILER!!!"

	// MetadataFile is the sidecar written at the root of an unpacked
	// tree. It records per-entry fields that a plain filesystem cannot
	// represent (exact mode, owner, timestamps, device numbers,
	// symlink targets) and is excluded from re-packed archives.
	MetadataFile = ".cpio_metadata.json"
)

// File type bits within the mode field.
const (
	modeTypeMask = 0o170000
	modeDir      = 0o040000
	modeSymlink  = 0o120000
	modeRegular  = 0o100000
)

// ErrBadMagic is returned when an archive header does not carry the
// newc magic. The whole operation is aborted; a partially extracted
// tree is not valid output.
var ErrBadMagic = errors.New("cpio: unsupported archive magic")

// EntryMeta carries the header fields of one archive entry, keyed by
// relative path in the sidecar file.
type EntryMeta struct {
	Ino       uint32 `json:"ino"`
	Mode      uint32 `json:"mode"`
	UID       uint32 `json:"uid"`
	GID       uint32 `json:"gid"`
	Nlink     uint32 `json:"nlink"`
	Mtime     uint32 `json:"mtime"`
	FileSize  uint32 `json:"filesize"`
	DevMajor  uint32 `json:"devmajor"`
	DevMinor  uint32 `json:"devminor"`
	RdevMajor uint32 `json:"rdevmajor"`
	RdevMinor uint32 `json:"rdevminor"`

	// Symlink is the link target for symlink entries, nil for
	// everything else. A pointer so an empty target still marks the
	// entry as a symlink in the sidecar. Symlinks are not materialized
	// on disk during unpack; the target string is the entry's file
	// content when re-packed.
	Symlink *string `json:"symlink,omitempty"`

	// set during parsing, not serialized
	hasMode bool
}

func (m *EntryMeta) isDir() bool     { return m.Mode&modeTypeMask == modeDir }
func (m *EntryMeta) isSymlink() bool { return m.Mode&modeTypeMask == modeSymlink }

// parseHeader decodes one 110-byte ASCII-hex newc header.
func parseHeader(hdr []byte) (*EntryMeta, int, error) {
	magic := string(hdr[:6])
	if magic != magicNewc {
		return nil, 0, fmt.Errorf("%w: %q", ErrBadMagic, magic)
	}

	field := func(i, j int) (uint32, error) {
		v, err := strconv.ParseUint(string(hdr[i:j]), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("cpio: malformed header field at %d..%d: %w", i, j, err)
		}
		return uint32(v), nil
	}

	var meta EntryMeta
	var nameSize uint32
	var err error
	for _, f := range []struct {
		dst  *uint32
		i, j int
	}{
		{&meta.Ino, 6, 14},
		{&meta.Mode, 14, 22},
		{&meta.UID, 22, 30},
		{&meta.GID, 30, 38},
		{&meta.Nlink, 38, 46},
		{&meta.Mtime, 46, 54},
		{&meta.FileSize, 54, 62},
		{&meta.DevMajor, 62, 70},
		{&meta.DevMinor, 70, 78},
		{&meta.RdevMajor, 78, 86},
		{&meta.RdevMinor, 86, 94},
		{&nameSize, 94, 102},
		// bytes 102..110 hold the checksum field, always zero for newc
	} {
		if *f.dst, err = field(f.i, f.j); err != nil {
			return nil, 0, err
		}
	}
	meta.hasMode = true

	return &meta, int(nameSize), nil
}

// encodeHeader produces the 110-byte ASCII-hex header for an entry.
func encodeHeader(meta *EntryMeta, mode uint32, nameLen, fileSize int) []byte {
	hdr := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		magicNewc,
		meta.Ino,
		mode,
		meta.UID,
		meta.GID,
		meta.Nlink,
		meta.Mtime,
		uint32(fileSize),
		meta.DevMajor,
		meta.DevMinor,
		meta.RdevMajor,
		meta.RdevMinor,
		uint32(nameLen),
		uint32(0),
	)
	return []byte(hdr)
}

// align4 rounds an offset up to the next 4-byte boundary.
func align4(n int) int {
	return (n + 3) &^ 3
}
