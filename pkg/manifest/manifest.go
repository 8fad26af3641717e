package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Manifest specifies all parameters for a single character/move animation
// run. It is immutable for the run's lifetime; Hash identifies it for
// resume.
type Manifest struct {
	Identity  Identity  `yaml:"identity" json:"identity"`
	Inputs    Inputs    `yaml:"inputs" json:"inputs"`
	Canvas    Canvas    `yaml:"canvas" json:"canvas"`
	Auditor   Auditor   `yaml:"auditor" json:"auditor"`
	Retry     Retry     `yaml:"retry" json:"retry"`
	Export    Export    `yaml:"export" json:"export"`
	Generator Generator `yaml:"generator" json:"generator"`
}

// Identity names the character/move pair this run produces.
type Identity struct {
	Character  string `yaml:"character" json:"character"`
	Move       string `yaml:"move" json:"move"`
	FrameCount int    `yaml:"frame_count" json:"frame_count"`
	IsLoop     bool   `yaml:"is_loop" json:"is_loop"`
}

// Inputs lists the anchor sprite and optional reference material.
type Inputs struct {
	AnchorPath string   `yaml:"anchor_path" json:"anchor_path"`
	Palette    []string `yaml:"palette,omitempty" json:"palette,omitempty"`
	PoseRefs   []string `yaml:"pose_refs,omitempty" json:"pose_refs,omitempty"`
	StyleRefs  []string `yaml:"style_refs,omitempty" json:"style_refs,omitempty"`
}

// Canvas controls normalized output geometry and alignment policy.
type Canvas struct {
	TargetSize     int          `yaml:"target_size" json:"target_size"`
	GenerationSize int          `yaml:"generation_size" json:"generation_size"`
	Alignment      Alignment    `yaml:"alignment" json:"alignment"`
	Transparency   Transparency `yaml:"transparency" json:"transparency"`
}

// Alignment configures contact-patch alignment.
type Alignment struct {
	Method        string  `yaml:"method" json:"method"`
	VerticalLock  bool    `yaml:"vertical_lock" json:"vertical_lock"`
	RootZoneRatio float64 `yaml:"root_zone_ratio" json:"root_zone_ratio"`
	MaxShiftX     int     `yaml:"max_shift_x" json:"max_shift_x"`
}

// Transparency configures background removal strategy (step 3).
type Transparency struct {
	Strategy    string `yaml:"strategy" json:"strategy"` // "true_alpha" | "chroma_key"
	ChromaColor string `yaml:"chroma_color,omitempty" json:"chroma_color,omitempty"`
}

// Auditor configures hard gates, soft metrics, and the composite threshold.
type Auditor struct {
	HardGates          []string           `yaml:"hard_gates" json:"hard_gates"`
	SoftMetrics        SoftMetricsConfig  `yaml:"soft_metrics" json:"soft_metrics"`
	CompositeThreshold float64            `yaml:"composite_threshold" json:"composite_threshold"`
	MAPDBypassNames    []string           `yaml:"mapd_bypass_names,omitempty" json:"mapd_bypass_names,omitempty"`
	MAPDThresholds     map[string]float64 `yaml:"mapd_thresholds,omitempty" json:"mapd_thresholds,omitempty"`
	// MinFileSizeB/MaxFileSizeB bound HF05's "file size within configured
	// bounds for compressed pixel art" gate. Zero means unbounded on
	// that side.
	MinFileSizeB int64 `yaml:"min_file_size_b,omitempty" json:"min_file_size_b,omitempty"`
	MaxFileSizeB int64 `yaml:"max_file_size_b,omitempty" json:"max_file_size_b,omitempty"`
}

// SoftMetricsConfig enumerates which soft metrics run and their weights/thresholds.
type SoftMetricsConfig struct {
	Enabled    []string           `yaml:"enabled" json:"enabled"`
	Weights    map[string]float64 `yaml:"weights" json:"weights"`
	Thresholds map[string]float64 `yaml:"thresholds" json:"thresholds"`
}

// Retry configures the retry ladder and stop conditions.
type Retry struct {
	Ladder         LadderConfig   `yaml:"ladder" json:"ladder"`
	StopConditions StopConditions `yaml:"stop_conditions" json:"stop_conditions"`
}

// LadderConfig enumerates enabled retry actions and the per-frame attempt cap.
type LadderConfig struct {
	ActionsEnabled      []string `yaml:"actions_enabled" json:"actions_enabled"`
	MaxAttemptsPerFrame int      `yaml:"max_attempts_per_frame" json:"max_attempts_per_frame"`
}

// StopConditions configures the stop-condition evaluator.
type StopConditions struct {
	RetryRate        float64 `yaml:"retry_rate" json:"retry_rate"`
	RejectRate       float64 `yaml:"reject_rate" json:"reject_rate"`
	ConsecutiveFails int     `yaml:"consecutive_fails" json:"consecutive_fails"`
	CostBudget       float64 `yaml:"cost_budget" json:"cost_budget"`
	CostPerAttempt   float64 `yaml:"cost_per_attempt" json:"cost_per_attempt"`
}

// Export configures packer flags and output location.
type Export struct {
	PackerFlags []string `yaml:"packer_flags,omitempty" json:"packer_flags,omitempty"`
	AtlasFormat string   `yaml:"atlas_format" json:"atlas_format"`
	OutputPath  string   `yaml:"output_path,omitempty" json:"output_path,omitempty"`
}

// Generator configures the model adapter.
type Generator struct {
	ModelID         string          `yaml:"model_id" json:"model_id"`
	Temperature     float64         `yaml:"temperature" json:"temperature"`
	PromptTemplates PromptTemplates `yaml:"prompt_templates" json:"prompt_templates"`
}

// PromptTemplates holds the three strategy templates (master, variation,
// lock) the generator adapter selects among, plus the negative template
// it attaches to every prompt.
type PromptTemplates struct {
	Master    string `yaml:"master" json:"master"`
	Variation string `yaml:"variation" json:"variation"`
	Lock      string `yaml:"lock" json:"lock"`
	Negative  string `yaml:"negative" json:"negative"`
}

// Load reads and validates a YAML manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a manifest from raw YAML bytes.
// Useful for testing and programmatic manifest construction.
func LoadFromBytes(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &m, nil
}

// Validate checks all manifest constraints. A palette-empty configuration
// is rejected here (at INIT), not at first audit (boundary behaviors).
func (m *Manifest) Validate() error {
	if m.Identity.Character == "" {
		return errors.New("identity.character must not be empty")
	}
	if m.Identity.Move == "" {
		return errors.New("identity.move must not be empty")
	}
	if m.Identity.FrameCount < 1 {
		return fmt.Errorf("identity.frame_count must be >= 1, got %d", m.Identity.FrameCount)
	}
	if m.Inputs.AnchorPath == "" {
		return errors.New("inputs.anchor_path must not be empty")
	}
	if len(m.Inputs.Palette) == 0 {
		return errors.New("inputs.palette must not be empty")
	}
	if m.Canvas.TargetSize <= 0 {
		return fmt.Errorf("canvas.target_size must be > 0, got %d", m.Canvas.TargetSize)
	}
	if m.Canvas.GenerationSize < m.Canvas.TargetSize {
		return fmt.Errorf("canvas.generation_size (%d) must be >= target_size (%d)",
			m.Canvas.GenerationSize, m.Canvas.TargetSize)
	}
	if m.Canvas.Alignment.RootZoneRatio <= 0.0 || m.Canvas.Alignment.RootZoneRatio > 1.0 {
		return fmt.Errorf("canvas.alignment.root_zone_ratio must be in (0.0, 1.0], got %f",
			m.Canvas.Alignment.RootZoneRatio)
	}
	if m.Canvas.Alignment.MaxShiftX < 0 {
		return fmt.Errorf("canvas.alignment.max_shift_x must be >= 0, got %d", m.Canvas.Alignment.MaxShiftX)
	}
	switch m.Canvas.Transparency.Strategy {
	case "true_alpha":
	case "chroma_key":
		if m.Canvas.Transparency.ChromaColor == "" {
			return errors.New("canvas.transparency.chroma_color required when strategy is chroma_key")
		}
	default:
		return fmt.Errorf("canvas.transparency.strategy must be 'true_alpha' or 'chroma_key', got %q",
			m.Canvas.Transparency.Strategy)
	}
	if m.Auditor.CompositeThreshold < 0.0 || m.Auditor.CompositeThreshold > 1.0 {
		return fmt.Errorf("auditor.composite_threshold must be in [0.0, 1.0], got %f",
			m.Auditor.CompositeThreshold)
	}
	for name, w := range m.Auditor.SoftMetrics.Weights {
		if w < 0.0 {
			return fmt.Errorf("auditor.soft_metrics.weights[%s] must be >= 0, got %f", name, w)
		}
	}
	if m.Auditor.MinFileSizeB < 0 {
		return fmt.Errorf("auditor.min_file_size_b must be >= 0, got %d", m.Auditor.MinFileSizeB)
	}
	if m.Auditor.MaxFileSizeB < 0 {
		return fmt.Errorf("auditor.max_file_size_b must be >= 0, got %d", m.Auditor.MaxFileSizeB)
	}
	if m.Auditor.MaxFileSizeB > 0 && m.Auditor.MinFileSizeB > m.Auditor.MaxFileSizeB {
		return fmt.Errorf("auditor.min_file_size_b (%d) must be <= max_file_size_b (%d)",
			m.Auditor.MinFileSizeB, m.Auditor.MaxFileSizeB)
	}
	if m.Retry.Ladder.MaxAttemptsPerFrame < 1 {
		return fmt.Errorf("retry.ladder.max_attempts_per_frame must be >= 1, got %d",
			m.Retry.Ladder.MaxAttemptsPerFrame)
	}
	if m.Retry.StopConditions.RetryRate < 0.0 || m.Retry.StopConditions.RetryRate > 1.0 {
		return fmt.Errorf("retry.stop_conditions.retry_rate must be in [0.0, 1.0], got %f",
			m.Retry.StopConditions.RetryRate)
	}
	if m.Retry.StopConditions.RejectRate < 0.0 || m.Retry.StopConditions.RejectRate > 1.0 {
		return fmt.Errorf("retry.stop_conditions.reject_rate must be in [0.0, 1.0], got %f",
			m.Retry.StopConditions.RejectRate)
	}
	if m.Export.AtlasFormat == "" {
		return errors.New("export.atlas_format must not be empty")
	}
	// Temperature is clamped up to 1.0 by the generator adapter, never rejected here.
	if m.Generator.ModelID == "" {
		return errors.New("generator.model_id must not be empty")
	}
	return nil
}

// ToYAML serializes the manifest back to YAML bytes.
func (m *Manifest) ToYAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// Hash computes the manifest's canonical identity: recursive key-sorted
// JSON, SHA-256. Two manifests that are structurally identical but
// differ in YAML key order or struct field order hash identically.
func (m *Manifest) Hash() ([]byte, error) {
	data, err := canonicalJSON(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// canonicalJSON marshals v to JSON, then re-marshals through a generic
// map/slice representation so that every object's keys are sorted
// recursively, regardless of struct field declaration order. Go's
// encoding/json already sorts map[string]interface{} keys when
// marshaling, so round-tripping through that representation is
// sufficient to canonicalize.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

// marshalSorted recursively re-serializes a decoded JSON value with map
// keys sorted lexicographically at every nesting level.
func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
