package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/forgelab/spriteforge/pkg/gates"
	"github.com/forgelab/spriteforge/pkg/pixel"
)

// Severity distinguishes a blocking checklist failure from an
// advisory one; critical failures halt before packing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// CheckResult is one checklist item's outcome.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Details  string   `json:"details"`
}

// PreExportReport is the full twelve-item checklist's outcome.
type PreExportReport struct {
	Checks []CheckResult `json:"checks"`
}

// Passed reports whether every critical check passed; warning-severity
// failures (the bounding-box variance check) never block packing.
func (r PreExportReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// PreExportConfig bounds the staged-frame checks.
type PreExportConfig struct {
	Move                  string
	FrameCount            int
	TargetSize            int
	MinFileSizeB          int64
	MaxFileSizeB          int64
	MaxTotalStagedSizeB   int64
	BBoxVarianceWarnRatio float64 // default 0.20
}

var stagedNamePattern = regexp.MustCompile(`^[a-z0-9_]+_(\d{4})\.png$`)

// RunPreExportChecks runs the twelve-item pre-export checklist
// against a staged frame directory. Every frame file is decoded once
// and its measurements reused across checks.
func RunPreExportChecks(stagingDir string, cfg PreExportConfig) (PreExportReport, error) {
	if cfg.BBoxVarianceWarnRatio <= 0 {
		cfg.BBoxVarianceWarnRatio = 0.20
	}

	dirEntries, err := os.ReadDir(stagingDir)
	if err != nil {
		return PreExportReport{}, fmt.Errorf("reading staging dir %s: %w", stagingDir, err)
	}

	var pngFiles []string
	var strayFiles []string
	for _, e := range dirEntries {
		if e.IsDir() {
			strayFiles = append(strayFiles, e.Name())
			continue
		}
		if e.Name() == "frame_mapping.json" {
			continue
		}
		if filepath.Ext(e.Name()) == ".png" {
			pngFiles = append(pngFiles, e.Name())
		} else {
			strayFiles = append(strayFiles, e.Name())
		}
	}
	sort.Strings(pngFiles)

	r := PreExportReport{}
	r.Checks = append(r.Checks, check("frame_count_matches_manifest",
		len(pngFiles) == cfg.FrameCount, SeverityCritical,
		fmt.Sprintf("found %d staged frames, manifest wants %d", len(pngFiles), cfg.FrameCount)))

	r.Checks = append(r.Checks, check("no_stray_files",
		len(strayFiles) == 0, SeverityCritical,
		fmt.Sprintf("stray entries: %v", strayFiles)))

	namingOK := true
	indices := make([]int, 0, len(pngFiles))
	hashes := make(map[string]string, len(pngFiles))
	var duplicateDetails []string
	var totalSize int64
	sizeOK := true
	var sizeDetails []string
	decodeOK := true
	var decodeDetails []string
	dimsOK := true
	var dimsDetails []string
	channelsOK := true
	depthOK := true
	bboxAreas := make([]float64, 0, len(pngFiles))

	for i, name := range pngFiles {
		path := filepath.Join(stagingDir, name)
		want := StageName(cfg.Move, i)
		if name != want {
			namingOK = false
		}
		m := stagedNamePattern.FindStringSubmatch(name)
		if m == nil {
			namingOK = false
		} else if parsed, err := strconv.Atoi(m[1]); err == nil {
			indices = append(indices, parsed)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			decodeOK = false
			decodeDetails = append(decodeDetails, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		totalSize += int64(len(data))
		if (cfg.MinFileSizeB > 0 && int64(len(data)) < cfg.MinFileSizeB) ||
			(cfg.MaxFileSizeB > 0 && int64(len(data)) > cfg.MaxFileSizeB) {
			sizeOK = false
			sizeDetails = append(sizeDetails, fmt.Sprintf("%s: %d bytes", name, len(data)))
		}

		sum := sha256.Sum256(data)
		hexSum := hex.EncodeToString(sum[:])
		if other, seen := hashes[hexSum]; seen {
			duplicateDetails = append(duplicateDetails, fmt.Sprintf("%s duplicates %s", name, other))
		}
		hashes[hexSum] = name

		cfgPNG, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			decodeOK = false
			decodeDetails = append(decodeDetails, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if cfgPNG.Width != cfg.TargetSize || cfgPNG.Height != cfg.TargetSize {
			dimsOK = false
			dimsDetails = append(dimsDetails, fmt.Sprintf("%s: %dx%d", name, cfgPNG.Width, cfgPNG.Height))
		}

		img, err := pixel.Load(path)
		if err != nil {
			decodeOK = false
			decodeDetails = append(decodeDetails, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		// pixel.Load always yields RGBA, so channel count and depth are
		// read from the PNG header's source color model instead.
		if indexed, channels := gates.ClassifyColorModel(cfgPNG.ColorModel); indexed || channels != 4 {
			channelsOK = false
		}
		if cfgPNG.ColorModel != color.RGBAModel && cfgPNG.ColorModel != color.NRGBAModel {
			depthOK = false
		}
		bbox := pixel.OpaqueBBox(img)
		bboxAreas = append(bboxAreas, float64(bbox.Dx()*bbox.Dy()))
	}

	r.Checks = append(r.Checks, check("naming_matches_convention", namingOK, SeverityCritical,
		fmt.Sprintf("expected `{move}_\\d{4}\\.png` for move %q", cfg.Move)))
	r.Checks = append(r.Checks, check("no_duplicate_hashes", len(duplicateDetails) == 0, SeverityCritical,
		fmt.Sprintf("%v", duplicateDetails)))
	r.Checks = append(r.Checks, check("file_size_within_bounds", sizeOK, SeverityCritical,
		fmt.Sprintf("%v", sizeDetails)))
	r.Checks = append(r.Checks, check("decodable", decodeOK, SeverityCritical,
		fmt.Sprintf("%v", decodeDetails)))
	r.Checks = append(r.Checks, check("dimensions_match_target_size", dimsOK, SeverityCritical,
		fmt.Sprintf("%v", dimsDetails)))
	r.Checks = append(r.Checks, check("rgba_channel_count", channelsOK, SeverityCritical,
		"every frame must decode with 4 channels"))
	r.Checks = append(r.Checks, check("32_bit_color_depth", depthOK, SeverityCritical,
		"every frame must be 8 bits per channel, not indexed, gray or 16-bit"))

	contiguous := true
	sort.Ints(indices)
	for i, idx := range indices {
		if idx != i {
			contiguous = false
			break
		}
	}
	r.Checks = append(r.Checks, check("index_sequence_contiguous", contiguous, SeverityCritical,
		fmt.Sprintf("indices found: %v", indices)))

	totalOK := cfg.MaxTotalStagedSizeB <= 0 || totalSize <= cfg.MaxTotalStagedSizeB
	r.Checks = append(r.Checks, check("total_staged_size_within_ceiling", totalOK, SeverityCritical,
		fmt.Sprintf("total %d bytes, ceiling %d", totalSize, cfg.MaxTotalStagedSizeB)))

	varianceOK, varianceDetails := bboxVarianceWithin(bboxAreas, cfg.BBoxVarianceWarnRatio)
	r.Checks = append(r.Checks, check("opaque_bbox_variance_within_tolerance", varianceOK, SeverityWarning, varianceDetails))

	return r, nil
}

func check(name string, passed bool, sev Severity, details string) CheckResult {
	return CheckResult{Name: name, Passed: passed, Severity: sev, Details: details}
}

// bboxVarianceWithin reports whether every frame's opaque bounding-box
// area stays within ±ratio of the mean across all frames: the
// warning-severity checklist item, a rough proxy for a sprite suddenly
// growing or shrinking between frames.
func bboxVarianceWithin(areas []float64, ratio float64) (bool, string) {
	if len(areas) == 0 {
		return true, "no frames to compare"
	}
	var sum float64
	for _, a := range areas {
		sum += a
	}
	mean := sum / float64(len(areas))
	if mean == 0 {
		return true, "mean opaque area is zero"
	}
	for i, a := range areas {
		dev := (a - mean) / mean
		if dev < -ratio || dev > ratio {
			return false, fmt.Sprintf("frame %d opaque area %.0f deviates %.1f%% from mean %.0f", i, a, dev*100, mean)
		}
	}
	return true, fmt.Sprintf("all frames within ±%.0f%% of mean opaque area %.0f", ratio*100, mean)
}
