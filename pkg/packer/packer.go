package packer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/forgelab/spriteforge/pkg/pixel"
)

// lockedFlags is the non-overridable flag set required for engine
// compatibility. Order is stable so the
// assembled command line is deterministic and easy to diff in logs.
var lockedFlags = []string{
	"--format", "phaser",
	"--trim-mode", "Trim",
	"--extrude", "1",
	"--shape-padding", "2",
	"--border-padding", "2",
	"--disable-rotation",
	"--alpha-handling", "ReduceBorderArtifacts",
	"--trim-sprite-names",
	"--prepend-folder-name",
}

// allowedCustomFlagNames is the set of operator-overridable flag
// names; anything else is rejected with a warning rather than passed
// through to the subprocess.
var allowedCustomFlagNames = map[string]bool{
	"max-size":         true,
	"multipack":        true,
	"scale":            true,
	"size-constraints": true,
	"algorithm":        true,
	"pack-mode":        true,
}

// MergeFlags validates operator-supplied flags (manifest
// export.packer_flags) against the allowlist and appends the accepted
// ones after the locked set, which always comes first and is never
// overridden. Each custom entry may be "name" or "name=value"; the
// leading "--" is optional in the input and normalized on output.
// Rejected entries are returned separately so the caller can log a
// warning without failing the run.
func MergeFlags(custom []string) (merged []string, rejected []string) {
	merged = append(merged, lockedFlags...)
	for _, raw := range custom {
		name := strings.TrimPrefix(raw, "--")
		key := name
		if idx := strings.IndexByte(name, '='); idx >= 0 {
			key = name[:idx]
		}
		if !allowedCustomFlagNames[key] {
			rejected = append(rejected, raw)
			continue
		}
		if idx := strings.IndexByte(name, '='); idx >= 0 {
			merged = append(merged, "--"+name[:idx], name[idx+1:])
		} else {
			merged = append(merged, "--"+name)
		}
	}
	return merged, rejected
}

// Request describes one packing invocation: the staged input
// directory (export_staging/{move}) and the output base path the
// packer writes {base}.json / {base}-N.png under.
type Request struct {
	InputDir    string
	OutputBase  string
	CustomFlags []string
	MultipackOn bool
}

// RunLog captures one subprocess invocation for texturepacker.json
// (run folder layout).
type RunLog struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	ExitCode   int      `json:"exit_code"`
	DurationMs int64    `json:"duration_ms"`
}

// Result is a packing run's output.
type Result struct {
	AtlasJSONPaths []string
	ImagePaths     []string
	Multipack      bool
	Log            RunLog
}

// Packer invokes the external texture packer. The packer binary
// itself is an external collaborator; this interface is all the
// rest of the module depends on.
type Packer interface {
	Pack(ctx context.Context, req Request) (Result, error)
}

// LocalPacker shells out to a packer executable on PATH (or at a
// configured absolute path), grounded on the tactile executor's
// exec.CommandContext + captured-output pattern. The executable path
// is a process-wide value set once at startup.
type LocalPacker struct {
	ExecPath string
	Logger   *log.Logger
}

func (p LocalPacker) Pack(ctx context.Context, req Request) (Result, error) {
	if p.ExecPath == "" {
		return Result{}, fmt.Errorf("packer executable path is not configured")
	}
	merged, rejected := MergeFlags(req.CustomFlags)
	if len(rejected) > 0 && p.Logger != nil {
		p.Logger.Printf("rejected disallowed packer flags: %s", strings.Join(rejected, ", "))
	}

	args := append([]string{}, merged...)
	args = append(args, "--sheet", req.OutputBase+".png", "--data", req.OutputBase+".json", req.InputDir)

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.ExecPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	runLog := RunLog{
		Command:    p.ExecPath,
		Args:       args,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
	}

	if runErr != nil {
		return Result{Log: runLog}, fmt.Errorf("packer exited with code %d: %w", exitCode, runErr)
	}

	result := Result{Log: runLog, Multipack: req.MultipackOn}
	if req.MultipackOn {
		result.AtlasJSONPaths, result.ImagePaths = discoverMultipack(req.OutputBase)
	} else {
		result.AtlasJSONPaths = []string{req.OutputBase + ".json"}
		result.ImagePaths = []string{req.OutputBase + ".png"}
	}
	return result, nil
}

// discoverMultipack reports the paths of a multipack run. The packer
// itself decides how many sheets ({base}-0.png, {base}-1.png, ...) it
// needed; this
// adapter reports the canonical single JSON (whose textures[] array
// lists every sheet) plus sheet 0 as a representative image path,
// leaving full sheet enumeration to post-export validation which
// parses the JSON directly.
func discoverMultipack(base string) (jsonPaths, imagePaths []string) {
	return []string{base + ".json"}, []string{fmt.Sprintf("%s-%d.png", base, 0)}
}

// NoopPacker is a deterministic test double that writes a minimal,
// well-formed single-pack atlas JSON and a blank sheet image without
// invoking any external process (a supplemented feature; treats
// Packer purely as an external interface). FrameKeys must already be
// in `{move}/{idx4}`-shaped form.
type NoopPacker struct {
	FrameKeys []string
	SheetSize int
	FrameSize int
}

func (p NoopPacker) Pack(_ context.Context, req Request) (Result, error) {
	jsonPath := req.OutputBase + ".json"
	imgPath := req.OutputBase + ".png"

	frames := make(map[string]interface{}, len(p.FrameKeys))
	cols := p.SheetSize / max(p.FrameSize, 1)
	if cols < 1 {
		cols = 1
	}
	for i, key := range p.FrameKeys {
		x := (i % cols) * p.FrameSize
		y := (i / cols) * p.FrameSize
		frames[key] = map[string]interface{}{
			"frame":            map[string]int{"x": x, "y": y, "w": p.FrameSize, "h": p.FrameSize},
			"rotated":          false,
			"trimmed":          false,
			"spriteSourceSize": map[string]int{"x": 0, "y": 0, "w": p.FrameSize, "h": p.FrameSize},
			"sourceSize":       map[string]int{"w": p.FrameSize, "h": p.FrameSize},
		}
	}
	atlas := map[string]interface{}{
		"frames": frames,
		"meta": map[string]interface{}{
			"image": imgPath,
			"size":  map[string]int{"w": p.SheetSize, "h": p.SheetSize},
			"scale": 1,
		},
	}
	data, err := json.MarshalIndent(atlas, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshaling noop atlas json: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("writing noop atlas json: %w", err)
	}
	if err := pixel.Save(imgPath, image.NewRGBA(image.Rect(0, 0, p.SheetSize, p.SheetSize))); err != nil {
		return Result{}, fmt.Errorf("writing noop atlas sheet: %w", err)
	}

	return Result{
		AtlasJSONPaths: []string{jsonPath},
		ImagePaths:     []string{imgPath},
		Log:            RunLog{Command: "noop", Args: []string{req.InputDir}},
	}, nil
}
