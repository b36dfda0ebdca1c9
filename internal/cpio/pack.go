package cpio

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Pack walks an unpacked tree and serializes it back into raw newc
// archive bytes, terminated with the trailer record. Header fields
// come from the sidecar metadata when present; entries authored after
// unpack get defaults (0755 directories, 0644 files, executable bit
// for well-known script and binary paths).
func Pack(srcDir string) ([]byte, error) {
	root, err := selectRoot(srcDir)
	if err != nil {
		return nil, err
	}
	metadata, err := loadSidecar(root)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	now := uint32(time.Now().Unix())
	written := make(map[string]bool)

	emit := func(name string, content []byte, isDir, isSymlink bool) {
		meta := metadata[name]
		if meta == nil {
			meta = &EntryMeta{Nlink: 1, Mtime: now}
		}
		writeEntry(&buf, name, content, meta, isDir, isSymlink)
		written[name] = true
	}

	emit(".", nil, true, false)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root || skipEntry(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if written[name] {
			return nil
		}
		if d.IsDir() {
			emit(name, nil, true, false)
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %q: %w", name, err)
		}
		if isTextShellScript(name, content) {
			content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
		}
		emit(name, content, false, false)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("cpio: walking %s: %w", root, walkErr)
	}

	// Symlinks exist only in the sidecar; emit them after the on-disk
	// entries, creating any directory entries their paths imply.
	var linkNames []string
	for name, meta := range metadata {
		if meta.Symlink != nil && !written[name] {
			linkNames = append(linkNames, name)
		}
	}
	sort.Strings(linkNames)
	for _, name := range linkNames {
		parts := strings.Split(name, "/")
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/")
			if dir != "" && !written[dir] {
				emit(dir, nil, true, false)
			}
		}
		emit(name, []byte(*metadata[name].Symlink), false, true)
	}

	writeTrailer(&buf)
	return buf.Bytes(), nil
}

// selectRoot mirrors extraction layouts where the archive content
// lives in a single top-level directory of srcDir.
func selectRoot(srcDir string) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", fmt.Errorf("cpio: reading %s: %w", srcDir, err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(srcDir, entries[0].Name()), nil
	}
	return srcDir, nil
}

func skipEntry(base string) bool {
	return strings.EqualFold(base, MetadataFile)
}

// isTextShellScript reports whether a file should get CRLF
// normalization before packing.
func isTextShellScript(name string, data []byte) bool {
	if name == "init" || strings.HasSuffix(name, ".sh") {
		return true
	}
	if bytes.HasPrefix(data, []byte("#!")) {
		firstLine, _, _ := bytes.Cut(data, []byte("\n"))
		return bytes.Contains(firstLine, []byte("/sh"))
	}
	return false
}

// permFor resolves the permission bits for an entry: recorded mode
// when the sidecar has one, sensible defaults otherwise, plus an
// executable bit for well-known script and binary paths.
func permFor(name string, meta *EntryMeta, isDir, isSymlink bool) uint32 {
	var perm uint32
	switch {
	case meta.hasMode:
		perm = meta.Mode & 0o7777
	case isDir:
		perm = 0o755
	case isSymlink:
		perm = 0o777
	default:
		perm = 0o644
	}
	if !isDir && isExecutablePath(name) {
		perm |= 0o111
	}
	return perm
}

func isExecutablePath(name string) bool {
	return name == "init" ||
		name == "discovery.sh" ||
		strings.HasPrefix(name, "bin/") ||
		strings.HasPrefix(name, "sbin/") ||
		strings.HasPrefix(name, "usr/bin/") ||
		strings.HasPrefix(name, "usr/sbin/") ||
		strings.HasSuffix(name, ".sh")
}

func writeEntry(buf *bytes.Buffer, name string, content []byte, meta *EntryMeta, isDir, isSymlink bool) {
	perm := permFor(name, meta, isDir, isSymlink)
	mode := perm
	switch {
	case isDir:
		mode |= modeDir
	case isSymlink:
		mode |= modeSymlink
	default:
		mode |= modeRegular
	}

	nameBytes := append([]byte(name), 0)
	buf.Write(encodeHeader(meta, mode, len(nameBytes), len(content)))
	buf.Write(nameBytes)
	pad(buf, headerLen+len(nameBytes))
	if len(content) > 0 {
		buf.Write(content)
		pad(buf, len(content))
	}
}

func writeTrailer(buf *bytes.Buffer) {
	nameBytes := append([]byte(trailerName), 0)
	buf.Write(encodeHeader(&EntryMeta{}, 0, len(nameBytes), 0))
	buf.Write(nameBytes)
	pad(buf, headerLen+len(nameBytes))
}

// pad writes NUL bytes so the next write lands on a 4-byte boundary
// relative to the given span length.
func pad(buf *bytes.Buffer, n int) {
	if r := align4(n) - n; r > 0 {
		buf.Write(make([]byte, r))
	}
}
