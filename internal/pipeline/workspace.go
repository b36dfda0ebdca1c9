package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the per-job directory tree used during assembly. It is
// exclusively owned by one job and is not removed when the job ends;
// cleanup is an operator responsibility.
type Workspace struct {
	Root           string // <baseDir>/job-<id>
	ExtractedISO   string // extracted base image tree
	RamdiskDir     string // unpacked boot ramdisk
	RepackedInitrd string // re-compressed ramdisk image
	SquashfsDir    string // unpacked root filesystem image
	OutDir         string // authored ISO before the final move
}

// NewWorkspace creates the directory tree for a job under baseDir.
func NewWorkspace(baseDir, jobID string) (*Workspace, error) {
	root := filepath.Join(baseDir, "job-"+jobID)
	ws := &Workspace{
		Root:           root,
		ExtractedISO:   filepath.Join(root, "extracted"),
		RamdiskDir:     filepath.Join(root, "extracted_ram_disk"),
		RepackedInitrd: filepath.Join(root, "repacked_ram_disk", "initrd.img"),
		SquashfsDir:    filepath.Join(root, "extracted_squashfs"),
		OutDir:         filepath.Join(root, "repacked"),
	}

	for _, dir := range []string{
		ws.Root,
		ws.ExtractedISO,
		ws.RamdiskDir,
		filepath.Dir(ws.RepackedInitrd),
		ws.OutDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory %s: %w", dir, err)
		}
	}
	return ws, nil
}
