package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TuningConfig represents the root configuration for quality-control and
// dataset tuning parameters. The schema matches the /api/qc/params
// endpoint so the same JSON can be used for both startup configuration
// and runtime inspection.
type TuningConfig struct {
	// Track alignment params
	MatchIoU       *float64 `json:"match_iou,omitempty"`
	ConsensusRatio *float64 `json:"consensus_ratio,omitempty"`

	// Consensus policy params
	MinIAA                     *float64 `json:"min_iaa,omitempty"`
	MinKappa                   *float64 `json:"min_kappa,omitempty"`
	RequireKappa               *bool    `json:"require_kappa,omitempty"`
	SingleAnnotatorAutoApprove *bool    `json:"single_annotator_auto_approve,omitempty"`

	// Dataset emission params
	DatasetDir  *string `json:"dataset_dir,omitempty"`
	FrameWidth  *int    `json:"frame_width,omitempty"`
	FrameHeight *int    `json:"frame_height,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MatchIoU != nil {
		if *c.MatchIoU < 0 || *c.MatchIoU > 1 {
			return fmt.Errorf("match_iou must be between 0 and 1, got %f", *c.MatchIoU)
		}
	}
	if c.ConsensusRatio != nil {
		if *c.ConsensusRatio < 0 || *c.ConsensusRatio > 1 {
			return fmt.Errorf("consensus_ratio must be between 0 and 1, got %f", *c.ConsensusRatio)
		}
	}
	if c.MinIAA != nil {
		if *c.MinIAA < 0 || *c.MinIAA > 1 {
			return fmt.Errorf("min_iaa must be between 0 and 1, got %f", *c.MinIAA)
		}
	}
	if c.MinKappa != nil {
		// Kappa ranges over [-1, 1]; a negative floor is legal but odd.
		if *c.MinKappa < -1 || *c.MinKappa > 1 {
			return fmt.Errorf("min_kappa must be between -1 and 1, got %f", *c.MinKappa)
		}
	}
	if c.FrameWidth != nil {
		if *c.FrameWidth <= 0 {
			return fmt.Errorf("frame_width must be positive, got %d", *c.FrameWidth)
		}
	}
	if c.FrameHeight != nil {
		if *c.FrameHeight <= 0 {
			return fmt.Errorf("frame_height must be positive, got %d", *c.FrameHeight)
		}
	}
	return nil
}

// GetMatchIoU returns the match_iou value or the default.
func (c *TuningConfig) GetMatchIoU() float64 {
	if c.MatchIoU == nil {
		return 0.5 // default
	}
	return *c.MatchIoU
}

// GetConsensusRatio returns the consensus_ratio value or the default.
func (c *TuningConfig) GetConsensusRatio() float64 {
	if c.ConsensusRatio == nil {
		return 0.5 // default
	}
	return *c.ConsensusRatio
}

// GetMinIAA returns the min_iaa value or the default.
func (c *TuningConfig) GetMinIAA() float64 {
	if c.MinIAA == nil {
		return 0.5 // default
	}
	return *c.MinIAA
}

// GetMinKappa returns the min_kappa value or the default.
func (c *TuningConfig) GetMinKappa() float64 {
	if c.MinKappa == nil {
		return 0.4 // default
	}
	return *c.MinKappa
}

// GetRequireKappa returns the require_kappa value or the default.
func (c *TuningConfig) GetRequireKappa() bool {
	if c.RequireKappa == nil {
		return true // default: attribute agreement gates too
	}
	return *c.RequireKappa
}

// GetSingleAnnotatorAutoApprove returns the single_annotator_auto_approve value or the default.
func (c *TuningConfig) GetSingleAnnotatorAutoApprove() bool {
	if c.SingleAnnotatorAutoApprove == nil {
		return false // default: unscorable groups need an explicit override
	}
	return *c.SingleAnnotatorAutoApprove
}

// GetDatasetDir returns the dataset_dir value or the default.
func (c *TuningConfig) GetDatasetDir() string {
	if c.DatasetDir == nil || *c.DatasetDir == "" {
		return "datasets" // default
	}
	return *c.DatasetDir
}

// GetFrameWidth returns the frame_width value or the default.
func (c *TuningConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 1280 // default
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame_height value or the default.
func (c *TuningConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720 // default
	}
	return *c.FrameHeight
}
