package cpio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Unpack parses raw newc archive bytes and materializes the entries
// under destDir. Directories and regular files are created on disk;
// symlink targets and all header fields go into the sidecar metadata
// file at the tree root. Parsing stops at the trailer entry. A header
// with the wrong magic aborts the whole operation.
func Unpack(data []byte, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("cpio: creating %s: %w", destDir, err)
	}

	metadata := make(map[string]*EntryMeta)
	off := 0
	for off < len(data) {
		if off+headerLen > len(data) {
			break
		}
		meta, nameSize, err := parseHeader(data[off : off+headerLen])
		if err != nil {
			return err
		}

		nameStart := off + headerLen
		nameEnd := nameStart + nameSize
		if nameEnd > len(data) || nameSize < 1 {
			return fmt.Errorf("cpio: entry name at offset %d extends past archive end", off)
		}
		name := string(data[nameStart : nameEnd-1])
		if name == trailerName {
			break
		}
		// archives come from downloaded images; never let an entry
		// name climb out of the extraction root
		if name != "." && !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("cpio: entry name %q escapes the extraction root", name)
		}

		fileStart := align4(nameEnd)
		fileEnd := fileStart + int(meta.FileSize)
		if fileEnd > len(data) {
			return fmt.Errorf("cpio: data for %q extends past archive end", name)
		}

		target := filepath.Join(destDir, filepath.FromSlash(name))
		switch {
		case meta.isDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("cpio: creating directory %q: %w", name, err)
			}
		case meta.isSymlink():
			linkTarget := string(data[fileStart:fileEnd])
			meta.Symlink = &linkTarget
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("cpio: creating parent of %q: %w", name, err)
			}
			if err := os.WriteFile(target, data[fileStart:fileEnd], 0o644); err != nil {
				return fmt.Errorf("cpio: writing %q: %w", name, err)
			}
		}
		metadata[name] = meta

		off = align4(fileEnd)
	}

	return writeSidecar(destDir, metadata)
}

func writeSidecar(destDir string, metadata map[string]*EntryMeta) error {
	out, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("cpio: encoding sidecar metadata: %w", err)
	}
	sidecar := filepath.Join(destDir, MetadataFile)
	if err := os.WriteFile(sidecar, out, 0o644); err != nil {
		return fmt.Errorf("cpio: writing sidecar metadata: %w", err)
	}
	return nil
}

// loadSidecar reads the sidecar metadata file from an unpacked tree.
// A missing sidecar is not an error; packing falls back to defaults.
func loadSidecar(dir string) (map[string]*EntryMeta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if os.IsNotExist(err) {
		return map[string]*EntryMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cpio: reading sidecar metadata: %w", err)
	}
	metadata := make(map[string]*EntryMeta)
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("cpio: decoding sidecar metadata: %w", err)
	}
	for _, m := range metadata {
		m.hasMode = true
	}
	return metadata, nil
}
