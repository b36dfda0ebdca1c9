package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// spyRunner records invocations and returns canned results.
type spyRunner struct {
	calls  [][]string
	result Result
	err    error
}

func (s *spyRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	return s.result, s.err
}

// writeSourceTree creates an extracted-ISO-like tree containing the
// given relative paths.
func writeSourceTree(t *testing.T, paths ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, rel := range paths {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestAuthorFailsBeforeSubprocessWhenBootCatalogMissing(t *testing.T) {
	spy := &spyRunner{}
	iso := NewISOTool("xorriso", spy)

	// tree has the payloads but not the boot catalog
	src := writeSourceTree(t, "pve-base.squashfs", "pve-installer.squashfs")

	err := iso.Author(context.Background(), src, filepath.Join(t.TempDir(), "out.iso"))
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("Author error = %v, want ErrMissingArtifact", err)
	}
	if len(spy.calls) != 0 {
		t.Fatalf("authoring tool invoked %d times despite missing boot catalog", len(spy.calls))
	}
}

func TestAuthorInvokesToolWhenPreconditionsHold(t *testing.T) {
	spy := &spyRunner{}
	iso := NewISOTool("xorriso", spy)

	src := writeSourceTree(t,
		"pve-base.squashfs",
		"pve-installer.squashfs",
		BootCatalogPath,
	)

	out := filepath.Join(t.TempDir(), "out.iso")
	if err := iso.Author(context.Background(), src, out); err != nil {
		t.Fatalf("Author: %v", err)
	}
	if len(spy.calls) != 1 {
		t.Fatalf("authoring tool invoked %d times, want 1", len(spy.calls))
	}

	argv := spy.calls[0]
	if argv[0] != "xorriso" {
		t.Errorf("argv[0] = %q, want xorriso", argv[0])
	}
	// the output path and source dir must appear as discrete argv
	// elements, never interpolated into a shell string
	foundOut, foundSrc := false, false
	for _, a := range argv {
		if a == out {
			foundOut = true
		}
		if a == src {
			foundSrc = true
		}
	}
	if !foundOut || !foundSrc {
		t.Errorf("argv missing out/src as discrete elements: %v", argv)
	}
}

func TestAuthorPropagatesToolFailure(t *testing.T) {
	spy := &spyRunner{err: &ExitError{Name: "xorriso", Result: Result{ExitCode: 31}}}
	iso := NewISOTool("xorriso", spy)

	src := writeSourceTree(t,
		"pve-base.squashfs",
		"pve-installer.squashfs",
		BootCatalogPath,
	)

	err := iso.Author(context.Background(), src, filepath.Join(t.TempDir(), "out.iso"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode != 31 {
		t.Fatalf("Author error = %v, want ExitError with code 31", err)
	}
}

func TestUnsquashToleratesExitCodeTwo(t *testing.T) {
	spy := &spyRunner{err: &ExitError{Name: "unsquashfs", Result: Result{ExitCode: 2}}}
	squash := NewSquashTool("unsquashfs", "mksquashfs", spy)

	image := filepath.Join(t.TempDir(), "pve-base.squashfs")
	if err := os.WriteFile(image, []byte("sqsh"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := squash.Unsquash(context.Background(), image, t.TempDir()); err != nil {
		t.Fatalf("Unsquash with exit code 2: %v", err)
	}
}

func TestVerifyPayloads(t *testing.T) {
	tests := []struct {
		name    string
		listing string
		wantErr bool
	}{
		{"both present", "drwx pve-base.squashfs\ndrwx pve-installer.squashfs\n", false},
		{"installer missing", "drwx pve-base.squashfs\n", true},
		{"empty listing", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPayloads(tt.listing)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyPayloads() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
