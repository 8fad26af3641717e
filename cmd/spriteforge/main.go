package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/forgelab/spriteforge/pkg/engineharness"
	"github.com/forgelab/spriteforge/pkg/export"
	"github.com/forgelab/spriteforge/pkg/generator"
	"github.com/forgelab/spriteforge/pkg/manifest"
	"github.com/forgelab/spriteforge/pkg/orchestrator"
	"github.com/forgelab/spriteforge/pkg/packer"
	"github.com/forgelab/spriteforge/pkg/runstate"
)

const version = "1.0.0"

// Exit codes: 0 success (release-ready or debug-only with
// --allow-validation-fail), 1 validation-failed or a stopped run,
// 2 invalid manifest/configuration, 3 a required external dependency
// (generator credential, packer binary, browser binary) is missing.
const (
	exitOK            = 0
	exitValidationBad = 1
	exitConfigBad     = 2
	exitDependency    = 3
)

var (
	manifestPath        = flag.String("manifest", "", "Path to YAML manifest file (required)")
	outputDir           = flag.String("output", ".", "Output root directory for run folders and exports")
	resumeRunID         = flag.String("resume", "", "Resume an existing run_id instead of starting a new run")
	allowValidationFail = flag.Bool("allow-validation-fail", false, "Export debug-only assets even when validation fails")
	mockFixtures        = flag.String("mock-fixtures", "", "Directory of pre-rendered frame fixtures for the in-process mock generator; when empty, requires a generator API credential")
	packerPath          = flag.String("packer-path", "", "Path to the external texture packer executable; falls back to SPRITEFORGE_PACKER_PATH, then PATH, then a no-op packer that writes placeholder sheets")
	browserPath         = flag.String("browser-path", "", "Path to a Chrome/Chromium executable for the engine smoke test; falls back to SPRITEFORGE_BROWSER_PATH, then rod's bundled download")
	skipEngineCheck     = flag.Bool("skip-engine-check", false, "Skip the headless engine smoke test (TEST-02/03/04)")
	multipack           = flag.Bool("multipack", true, "Allow the packer to emit multiple sheets when frames don't fit one")
	seedFlag            = flag.Uint64("seed", 0, "Deterministic run_id seed (0 = random uuid); ignored with -resume")
	verbose             = flag.Bool("verbose", false, "Enable verbose progress logging")
	versionF            = flag.Bool("version", false, "Print version and exit")
	help                = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *versionF {
		fmt.Printf("spriteforge version %s\n", version)
		os.Exit(exitOK)
	}
	if *help {
		printHelp()
		os.Exit(exitOK)
	}
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -manifest flag is required")
		printUsage()
		os.Exit(exitConfigBad)
	}

	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal, halting at the next safe frame boundary")
		cancel()
	}()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if os.Getenv("CI") != "" && !*verbose {
		logger.SetOutput(io.Discard)
	}

	m, err := manifest.Load(*manifestPath)
	if err != nil {
		return exitConfigBad, fmt.Errorf("loading manifest: %w", err)
	}

	if *mockFixtures == "" && os.Getenv("SPRITEFORGE_API_KEY") == "" {
		return exitDependency, errors.New("DEP_GENERATOR_CREDENTIAL: SPRITEFORGE_API_KEY is not set (pass -mock-fixtures to run against pre-rendered fixtures instead)")
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return exitConfigBad, fmt.Errorf("creating output directory: %w", err)
	}

	runsDir := orchestrator.BuildRunsDir(*outputDir, m.Identity.Character, m.Identity.Move)
	manifestHash, err := m.Hash()
	if err != nil {
		return exitConfigBad, fmt.Errorf("hashing manifest: %w", err)
	}

	var runID string
	var resumeState *runstate.RunState
	switch {
	case *resumeRunID != "":
		plan, err := runstate.FindResumable(runsDir, *resumeRunID, manifestHash, nil)
		if err != nil {
			return exitConfigBad, fmt.Errorf("inspecting resumable run %s: %w", *resumeRunID, err)
		}
		if !plan.Found {
			return exitConfigBad, fmt.Errorf("no resumable run %s matching this manifest under %s", *resumeRunID, runsDir)
		}
		runID = plan.RunID
		resumeState = plan.State
		if *verbose {
			logger.Printf("resuming run %s from frame %d", runID, plan.ResumeFromIdx)
		}
	case *seedFlag != 0:
		runID = fmt.Sprintf("seed-%d", *seedFlag)
	default:
		runID = orchestrator.NewRunID()
	}

	gen := generator.MockGenerator{FixtureDir: *mockFixtures, AnchorPath: m.Inputs.AnchorPath}

	o := orchestrator.New(m, runsDir, runID, gen)
	o.Logger = logger
	o.IsAlive = processAlive
	if *verbose {
		logger.Printf("starting run %s for %s/%s (%d frames)", runID, m.Identity.Character, m.Identity.Move, m.Identity.FrameCount)
	}

	start := time.Now()
	state, err := o.Run(ctx, resumeState)
	if err != nil && !errors.Is(err, orchestrator.ErrAborted) {
		return exitConfigBad, fmt.Errorf("run failed: %w", err)
	}
	if errors.Is(err, orchestrator.ErrAborted) {
		if *verbose {
			logger.Printf("run %s aborted by signal after %v", runID, time.Since(start))
		}
		return exitValidationBad, nil
	}
	if *verbose {
		logger.Printf("run %s finished (%s) in %v", runID, state.Status, time.Since(start))
	}
	if state.Status != runstate.StatusCompleted {
		return exitValidationBad, fmt.Errorf("run %s stopped before completion; see %s", runID, o.Layout.DiagnosticPath())
	}

	status, err := exportAndValidate(ctx, o, m, logger)
	if err != nil {
		return exitConfigBad, err
	}
	if *verbose {
		logger.Printf("release status: %s", status)
	}
	if status != export.StatusReleaseReady && !*allowValidationFail {
		return exitValidationBad, fmt.Errorf("export validation failed with status %s (pass -allow-validation-fail to export debug-only assets)", status)
	}
	return exitOK, nil
}

// exportAndValidate runs the staging, packer, post-export, and engine
// smoke-test steps once a run has completed, and returns the final
// release status.
func exportAndValidate(ctx context.Context, o *orchestrator.Orchestrator, m *manifest.Manifest, logger *log.Logger) (export.ReleaseStatus, error) {
	stagingDir := o.Layout.ExportStagingDir(m.Identity.Move)
	entries, err := export.Stage(o.Layout.ApprovedDir(), stagingDir, m.Identity.Move, m.Identity.FrameCount)
	if err != nil {
		return "", fmt.Errorf("staging approved frames: %w", err)
	}
	if err := export.WriteFrameMapping(stagingDir, entries); err != nil {
		return "", fmt.Errorf("writing frame mapping: %w", err)
	}

	preReport, err := export.RunPreExportChecks(stagingDir, export.PreExportConfig{
		Move:         m.Identity.Move,
		FrameCount:   m.Identity.FrameCount,
		TargetSize:   m.Canvas.TargetSize,
		MinFileSizeB: m.Auditor.MinFileSizeB,
		MaxFileSizeB: m.Auditor.MaxFileSizeB,
	})
	if err != nil {
		return "", fmt.Errorf("running pre-export checks: %w", err)
	}
	if !preReport.Passed() {
		logger.Printf("pre-export checklist failed: %+v", preReport.Checks)
	}

	frameKeys := make([]string, m.Identity.FrameCount)
	for i := range frameKeys {
		frameKeys[i] = fmt.Sprintf("%s/%04d", m.Identity.Move, i)
	}
	p, usingNoop := resolvePacker(logger, frameKeys, m.Canvas.TargetSize)
	outputBase := filepath.Join(o.Layout.ExportDir(), fmt.Sprintf("%s_%s", m.Identity.Character, m.Identity.Move))
	result, err := p.Pack(ctx, packer.Request{
		InputDir:    stagingDir,
		OutputBase:  outputBase,
		CustomFlags: m.Export.PackerFlags,
		MultipackOn: *multipack,
	})
	if err != nil {
		return "", fmt.Errorf("packing exported atlas: %w", err)
	}

	atlas, err := export.ParseAtlas(result.AtlasJSONPaths[0])
	if err != nil {
		return "", fmt.Errorf("parsing packed atlas: %w", err)
	}
	postReport := export.RunPostExportChecks(atlas, m.Identity.Move, m.Identity.FrameCount, func(name string) (*image.Config, error) {
		return export.DecodePNGConfig(filepath.Join(o.Layout.ExportDir(), filepath.Base(name)))
	})
	if !postReport.Passed() {
		logger.Printf("post-export checklist failed: %+v", postReport.Checks)
	}

	engineOK := true
	switch {
	case usingNoop:
		// A placeholder sheet never reflects what the target engine would
		// actually load; never let a noop-packed run read as release-ready.
		logger.Printf("no-op packer produced placeholder sheets; forcing post-export and engine checks to fail")
		postReport.Checks = append(postReport.Checks, export.CheckResult{
			Name: "no_op_packer_used", Passed: false, Severity: export.SeverityCritical,
			Details: "no real packer executable was configured",
		})
		engineOK = false
	case *skipEngineCheck:
		logger.Printf("skipping engine smoke test (-skip-engine-check)")
	default:
		harness := engineharness.RodEngineHarness{ExecPath: resolveBrowserPath(), Logger: logger}
		report, err := harness.RunSmokeTest(ctx, engineharness.Request{
			AtlasJSONPath:         result.AtlasJSONPaths[0],
			Move:                  m.Identity.Move,
			FrameCount:            m.Identity.FrameCount,
			TrimJitterThresholdPx: 1.0,
			ScreenshotDir:         o.Layout.AuditDir(),
		})
		if err != nil {
			return "", fmt.Errorf("running engine smoke test: %w", err)
		}
		engineOK = report.AllPassed()
		if !engineOK {
			logger.Printf("engine smoke test failed: %+v", report.Assertions)
		}
	}

	return export.DetermineReleaseStatus(preReport.Passed(), postReport.Passed(), engineOK, *allowValidationFail), nil
}

// resolvePacker chooses a concrete Packer: an explicit -packer-path or
// SPRITEFORGE_PACKER_PATH wins, then PATH lookup, then NoopPacker so
// the pipeline stays runnable without the external binary (assets it
// produces are never release-ready).
func resolvePacker(logger *log.Logger, frameKeys []string, frameSize int) (packer.Packer, bool) {
	path := *packerPath
	if path == "" {
		path = os.Getenv("SPRITEFORGE_PACKER_PATH")
	}
	if path == "" {
		if found, err := exec.LookPath("texturepacker"); err == nil {
			path = found
		}
	}
	if path == "" {
		logger.Printf("no packer executable configured; using the no-op packer, assets will not be release-ready")
		return packer.NoopPacker{FrameKeys: frameKeys, FrameSize: frameSize, SheetSize: frameSize * 8}, true
	}
	return packer.LocalPacker{ExecPath: path, Logger: logger}, false
}

func resolveBrowserPath() string {
	if *browserPath != "" {
		return *browserPath
	}
	return os.Getenv("SPRITEFORGE_BROWSER_PATH")
}

// processAlive reports whether pid names a live process by sending
// signal 0, the standard Unix liveness probe: it performs permission
// and existence checks without actually signaling the process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: spriteforge -manifest <path> [flags]")
	fmt.Fprintln(os.Stderr, "Run 'spriteforge -help' for details.")
}

func printHelp() {
	fmt.Println("spriteforge - generates, audits, and packs a character animation's sprite frames")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  spriteforge -manifest <path> [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  SPRITEFORGE_API_KEY       generator credential (required unless -mock-fixtures is set)")
	fmt.Println("  SPRITEFORGE_PACKER_PATH   texture packer executable path")
	fmt.Println("  SPRITEFORGE_BROWSER_PATH  Chrome/Chromium executable path for the engine smoke test")
	fmt.Println("  CI                        when set, suppresses progress output")
}
