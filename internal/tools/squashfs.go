package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// SquashTool wraps squashfs-tools for unpacking and rebuilding the
// embedded root filesystem image.
type SquashTool struct {
	unsquashfs string
	mksquashfs string
	runner     Runner
}

// NewSquashTool creates a SquashTool from the two binary paths.
func NewSquashTool(unsquashfs, mksquashfs string, runner Runner) *SquashTool {
	return &SquashTool{unsquashfs: unsquashfs, mksquashfs: mksquashfs, runner: runner}
}

// Unsquash extracts a squashfs image into destDir. unsquashfs exits
// with code 2 when it skipped unreadable entries; that is tolerated
// the same way the extraction tolerates dropped symlinks.
func (t *SquashTool) Unsquash(ctx context.Context, image, destDir string) error {
	if _, err := os.Stat(image); err != nil {
		return fmt.Errorf("squashfs image not found: %w", err)
	}

	_, err := t.runner.Run(ctx, t.unsquashfs,
		"-no-xattrs",
		"-no-progress",
		"-ignore-errors",
		"-q",
		"-d", destDir,
		image,
	)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode == 2 {
			return nil
		}
		return fmt.Errorf("unsquashing %s: %w", image, err)
	}
	return nil
}

// Mksquash rebuilds a squashfs image from srcDir with the same
// compression settings the installer ships with.
func (t *SquashTool) Mksquash(ctx context.Context, srcDir, outImage string) error {
	if _, err := t.runner.Run(ctx, t.mksquashfs,
		srcDir,
		outImage,
		"-noappend",
		"-comp", "xz",
		"-Xbcj", "x86",
	); err != nil {
		return fmt.Errorf("rebuilding squashfs: %w", err)
	}
	return nil
}
