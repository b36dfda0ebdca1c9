// Package pipeline assembles the customized installer image for one
// job: extract the base ISO, patch the boot ramdisk with the answer
// payload, optionally customize the embedded root filesystem, and
// re-author a bootable image. Every stage reports progress through
// the orchestrator; any stage failure aborts the rest.
package pipeline

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iiTONELOC/safe-pc/internal/cache"
	"github.com/iiTONELOC/safe-pc/internal/config"
	"github.com/iiTONELOC/safe-pc/internal/cpio"
	"github.com/iiTONELOC/safe-pc/internal/models"
	"github.com/iiTONELOC/safe-pc/internal/tools"
)

//go:embed scripts/discovery.sh
var discoveryScript []byte

// initMarker is the line in the ramdisk init script after which the
// discovery invocation is spliced in.
const initMarker = "INSTALLER_SQFS="

// ProgressFunc receives a progress update after each completed stage.
type ProgressFunc func(percent int, message string)

// Pipeline builds installer images. Safe for concurrent use; all
// per-job state lives in the job's workspace.
type Pipeline struct {
	cfg    *config.Config
	iso    *tools.ISOTool
	squash *tools.SquashTool
	store  *cache.Cache
}

// New creates a Pipeline around the configured authoring tools.
func New(cfg *config.Config, runner tools.Runner, store *cache.Cache) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		iso:    tools.NewISOTool(cfg.XorrisoPath, runner),
		squash: tools.NewSquashTool(cfg.UnsquashfsPath, cfg.MksquashfsPath, runner),
		store:  store,
	}
}

// Result describes a finished build.
type Result struct {
	ISOPath  string
	Duration time.Duration
}

// Build runs the full assembly sequence for a job and returns the
// final image location. The workspace is left in place for
// inspection; a failed job must be resubmitted in full.
func (p *Pipeline) Build(ctx context.Context, jobID string, req *models.BuildRequest, baseISO string, report ProgressFunc) (*Result, error) {
	start := time.Now()
	stage := func(percent int, message string) {
		if report != nil {
			report(percent, message)
		}
	}

	ws, err := NewWorkspace(p.cfg.ISODir, jobID)
	if err != nil {
		return nil, err
	}

	if err := p.iso.Extract(ctx, baseISO, ws.ExtractedISO); err != nil {
		return nil, fmt.Errorf("extracting base iso: %w", err)
	}
	stage(10, "Extracted base ISO")

	if err := writeBootModeFile(ws.ExtractedISO, jobID, req.BootMode, p.cfg.AnswerBaseURL); err != nil {
		return nil, err
	}
	stage(20, "Wrote installer boot mode")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	initrdPath := filepath.Join(ws.ExtractedISO, "boot", "initrd.img")
	archive, err := cpio.Decompress(initrdPath)
	if err != nil {
		return nil, fmt.Errorf("decompressing boot ramdisk: %w", err)
	}
	if err := cpio.Unpack(archive, ws.RamdiskDir); err != nil {
		return nil, fmt.Errorf("unpacking boot ramdisk: %w", err)
	}
	stage(30, "Unpacked boot ramdisk")

	if err := p.injectAnswer(ws, jobID, req); err != nil {
		return nil, err
	}
	stage(40, "Injected answer file")

	if err := installDiscovery(ws.RamdiskDir); err != nil {
		return nil, err
	}
	stage(50, "Installed discovery script")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	packed, err := cpio.Pack(ws.RamdiskDir)
	if err != nil {
		return nil, fmt.Errorf("packing boot ramdisk: %w", err)
	}
	compressed, err := cpio.Compress(packed, p.cfg.ZstdLevel)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(ws.RepackedInitrd, compressed, 0o644); err != nil {
		return nil, fmt.Errorf("writing repacked ramdisk: %w", err)
	}
	stage(60, "Repacked boot ramdisk")

	if err := replaceFile(ws.RepackedInitrd, initrdPath); err != nil {
		return nil, fmt.Errorf("replacing ramdisk in image tree: %w", err)
	}
	stage(65, "Replaced ramdisk in image tree")

	if p.cfg.RootfsStage {
		if err := p.customizeRootfs(ctx, ws); err != nil {
			return nil, fmt.Errorf("customizing root filesystem: %w", err)
		}
		stage(75, "Customized root filesystem")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outISO := filepath.Join(ws.OutDir, fmt.Sprintf("auto-installer-%s.iso", jobID))
	if err := p.iso.Author(ctx, ws.ExtractedISO, outISO); err != nil {
		return nil, err
	}
	stage(85, "Authored installer image")

	listing, err := p.iso.List(ctx, outISO)
	if err != nil {
		return nil, fmt.Errorf("listing authored image: %w", err)
	}
	if err := tools.VerifyPayloads(listing); err != nil {
		return nil, err
	}
	stage(90, "Verified image payloads")

	final := filepath.Join(p.cfg.OutputDir, filepath.Base(outISO))
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.Rename(outISO, final); err != nil {
		return nil, fmt.Errorf("publishing image: %w", err)
	}
	stage(95, "Published image")

	return &Result{ISOPath: final, Duration: time.Since(start)}, nil
}

// injectAnswer writes the job's answer payload into the ramdisk tree.
// The bytes come from the cache when available so resubmissions of an
// unchanged payload never re-fetch.
func (p *Pipeline) injectAnswer(ws *Workspace, jobID string, req *models.BuildRequest) error {
	answer := []byte(req.Answer)
	if p.store != nil {
		if cached, err := p.store.ReadBytes(jobID); err == nil {
			answer = cached
		}
	}
	path := filepath.Join(ws.RamdiskDir, "answer.toml")
	if err := os.WriteFile(path, answer, 0o644); err != nil {
		return fmt.Errorf("writing answer file: %w", err)
	}
	return nil
}

// writeBootModeFile writes auto-installer-mode.toml into the
// extracted tree, telling the installer how to obtain its answer
// file, and ensures the capability flag file exists.
func writeBootModeFile(extractedISO, jobID string, mode models.BootMode, answerBaseURL string) error {
	var content string
	switch mode {
	case models.BootModeFile:
		content = "mode = \"file\"\n"
	default:
		content = fmt.Sprintf("mode = \"http\"\n\n[http]\nurl = \"%s/api/jobs/%s/answer\"\n",
			strings.TrimRight(answerBaseURL, "/"), jobID)
	}

	modeFile := filepath.Join(extractedISO, "auto-installer-mode.toml")
	if err := os.WriteFile(modeFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing boot mode file: %w", err)
	}

	flag := filepath.Join(extractedISO, "auto-installer-capable")
	if _, err := os.Stat(flag); os.IsNotExist(err) {
		if err := os.WriteFile(flag, nil, 0o644); err != nil {
			return fmt.Errorf("writing capability flag: %w", err)
		}
	}
	return nil
}

// installDiscovery drops the discovery script into the ramdisk and
// splices its invocation into the init script right after the
// installer squashfs assignment.
func installDiscovery(ramdiskDir string) error {
	script := filepath.Join(ramdiskDir, "discovery.sh")
	if err := os.WriteFile(script, discoveryScript, 0o755); err != nil {
		return fmt.Errorf("writing discovery script: %w", err)
	}

	initPath := filepath.Join(ramdiskDir, "init")
	raw, err := os.ReadFile(initPath)
	if err != nil {
		return fmt.Errorf("reading init script: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	spliced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), initMarker) {
			insert := []string{
				`echo "[*] Running discovery script..."`,
				"chmod +x /discovery.sh",
				"/discovery.sh",
				`echo "[*] Discovery script finished."`,
			}
			lines = append(lines[:i+1], append(insert, lines[i+1:]...)...)
			spliced = true
			break
		}
	}
	if !spliced {
		log.Printf("Init script has no %q marker, discovery will not run at boot", initMarker)
		return nil
	}

	if err := os.WriteFile(initPath, []byte(strings.Join(lines, "\n")), 0o755); err != nil {
		return fmt.Errorf("writing init script: %w", err)
	}
	return nil
}

// firstBootUnit is the oneshot service that runs the companion
// tooling once after installation. RemainAfterExit keeps the unit
// active so repeated starts never re-run it.
const firstBootUnit = `[Unit]
Description=Safe PC First Boot Service
Wants=network-online.target
After=network-online.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/opt/safe-pc/firstboot.sh

[Install]
WantedBy=multi-user.target
`

// customizeRootfs unpacks the base root filesystem image, adds the
// companion tooling and a first-boot service, and rebuilds the image
// in place.
func (p *Pipeline) customizeRootfs(ctx context.Context, ws *Workspace) error {
	baseImage := filepath.Join(ws.ExtractedISO, "pve-base.squashfs")
	if err := p.squash.Unsquash(ctx, baseImage, ws.SquashfsDir); err != nil {
		return err
	}

	target := filepath.Join(ws.SquashfsDir, "opt", "safe-pc")
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clearing companion directory: %w", err)
	}
	if err := copyTree(p.cfg.CompanionDir, target); err != nil {
		return fmt.Errorf("copying companion tooling: %w", err)
	}

	unitDir := filepath.Join(ws.SquashfsDir, "etc", "systemd", "system")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	unitPath := filepath.Join(unitDir, "safe-pc-firstboot.service")
	if err := os.WriteFile(unitPath, []byte(firstBootUnit), 0o644); err != nil {
		return fmt.Errorf("writing first-boot unit: %w", err)
	}

	wantsDir := filepath.Join(unitDir, "multi-user.target.wants")
	if err := os.MkdirAll(wantsDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(wantsDir, "safe-pc-firstboot.service")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink("/etc/systemd/system/safe-pc-firstboot.service", link); err != nil {
		return fmt.Errorf("enabling first-boot unit: %w", err)
	}

	rebuilt := filepath.Join(ws.Root, "pve-base.squashfs")
	if err := p.squash.Mksquash(ctx, ws.SquashfsDir, rebuilt); err != nil {
		return err
	}
	return replaceFile(rebuilt, baseImage)
}

// replaceFile moves src over dst atomically. Extracted trees are
// sometimes left read-only by the authoring tool; on failure the
// write permissions are repaired and the move retried once.
func replaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := os.Chmod(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("repairing directory permissions: %w", err)
	}
	if _, statErr := os.Stat(dst); statErr == nil {
		if err := os.Chmod(dst, 0o666); err != nil {
			return fmt.Errorf("repairing file permissions: %w", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return nil
}

// copyTree copies a directory tree, forcing the executable bit on
// files so the companion tooling can run from the installed system.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o111)
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return err
	})
}
