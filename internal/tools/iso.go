package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootCatalogPath is the El Torito boot image inside an extracted
// Proxmox installer tree, required to re-author a bootable ISO.
const BootCatalogPath = "boot/grub/i386-pc/eltorito.img"

// RequiredPayloads are the filesystem images the re-authored ISO must
// carry. Their presence is checked before invoking the authoring tool
// and confirmed in the produced image afterwards.
var RequiredPayloads = []string{
	"pve-base.squashfs",
	"pve-installer.squashfs",
}

// ErrMissingArtifact marks a precondition failure: a file the
// authoring tool needs is absent from the source tree, detected
// before the tool is ever invoked.
var ErrMissingArtifact = errors.New("required artifact missing")

// ISOTool wraps xorriso for extraction, authoring, and listing.
type ISOTool struct {
	binary string
	runner Runner
}

// NewISOTool creates an ISOTool using the given xorriso binary.
func NewISOTool(binary string, runner Runner) *ISOTool {
	return &ISOTool{binary: binary, runner: runner}
}

// Extract unpacks the ISO's filesystem tree into destDir. Symlinks
// inside the image are dropped during extraction; xorriso reports
// them as warnings, so the exit code is ignored and success is judged
// by the destination being non-empty.
func (t *ISOTool) Extract(ctx context.Context, isoPath, destDir string) error {
	if _, err := os.Stat(isoPath); err != nil {
		return fmt.Errorf("iso not found: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating extraction directory: %w", err)
	}

	_, err := t.runner.Run(ctx, t.binary,
		"-osirrox", "on",
		"-indev", isoPath,
		"-find", "/", "-type", "l", "-exec", "rm", "--",
		"-extract", "/", destDir,
		"-rollback_end",
	)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}

	entries, readErr := os.ReadDir(destDir)
	if readErr != nil {
		return fmt.Errorf("checking extraction output: %w", readErr)
	}
	if len(entries) == 0 {
		return fmt.Errorf("extraction of %s produced no files", isoPath)
	}
	return nil
}

// Author builds a bootable ISO from srcDir. The boot catalog and both
// squashfs payloads must already exist in srcDir — this is verified
// before the subprocess is invoked, so a broken tree never reaches
// the authoring tool.
func (t *ISOTool) Author(ctx context.Context, srcDir, outISO string) error {
	required := append([]string{BootCatalogPath}, RequiredPayloads...)
	for _, rel := range required {
		if _, err := os.Stat(filepath.Join(srcDir, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingArtifact, rel)
		}
	}

	if _, err := t.runner.Run(ctx, t.binary,
		"-as", "mkisofs",
		"-r",
		"-J", "-joliet-long",
		"-V", "PVE",
		"-o", outISO,
		"-isohybrid-gpt-basdat",
		"-eltorito-boot", BootCatalogPath,
		"-no-emul-boot",
		"-boot-load-size", "4",
		"-boot-info-table",
		srcDir,
	); err != nil {
		return fmt.Errorf("authoring iso: %w", err)
	}
	return nil
}

// List returns the root directory listing of an ISO image.
func (t *ISOTool) List(ctx context.Context, isoPath string) (string, error) {
	res, err := t.runner.Run(ctx, t.binary,
		"-indev", isoPath,
		"-lsl", "/", "--",
		"-abort_on", "NEVER",
	)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	return res.Stdout, nil
}

// VerifyPayloads checks an ISO listing for the required payload
// filesystem images.
func VerifyPayloads(listing string) error {
	for _, payload := range RequiredPayloads {
		if !strings.Contains(listing, payload) {
			return fmt.Errorf("authored iso missing payload %s", payload)
		}
	}
	return nil
}
