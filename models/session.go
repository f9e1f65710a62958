package models

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	StatusQueued     SessionStatus = "queued"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further processing happens without a retry.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ProcessingMode string

const (
	ModePolishOnly        ProcessingMode = "polish_only"
	ModePolishThenEnhance ProcessingMode = "polish_then_enhance"
	ModeEmotionRewrite    ProcessingMode = "emotion_rewrite"
)

// Stage is one transformation pass applied to every segment of a session.
type Stage string

const (
	StagePolish         Stage = "polish"
	StageEnhance        Stage = "enhance"
	StageEmotionRewrite Stage = "emotion_rewrite"
)

// AllStages lists every stage in display order.
var AllStages = []Stage{StagePolish, StageEnhance, StageEmotionRewrite}

// Stages returns the ordered stage list for the mode.
func (m ProcessingMode) Stages() ([]Stage, error) {
	switch m {
	case ModePolishOnly:
		return []Stage{StagePolish}, nil
	case ModePolishThenEnhance:
		return []Stage{StagePolish, StageEnhance}, nil
	case ModeEmotionRewrite:
		return []Stage{StageEmotionRewrite}, nil
	default:
		return nil, fmt.Errorf("unknown processing mode %q", string(m))
	}
}

// ModelConfig selects the model endpoint for one stage. Empty fields fall
// back to the process defaults.
type ModelConfig struct {
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// WithDefaults fills empty fields from fallback.
func (c ModelConfig) WithDefaults(fallback ModelConfig) ModelConfig {
	if c.Model == "" {
		c.Model = fallback.Model
	}
	if c.APIKey == "" {
		c.APIKey = fallback.APIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = fallback.BaseURL
	}
	return c
}

type SessionRecord struct {
	ID              string                `json:"session_id"`
	Owner           string                `json:"owner"`
	OriginalText    string                `json:"original_text"`
	Mode            ProcessingMode        `json:"processing_mode"`
	Stages          []Stage               `json:"stages"`
	CurrentStage    Stage                 `json:"current_stage"`
	Status          SessionStatus         `json:"status"`
	Progress        float64               `json:"progress"`
	CurrentPosition int                   `json:"current_position"`
	TotalSegments   int                   `json:"total_segments"`
	ErrorMessage    *string               `json:"error_message"`
	StageConfigs    map[Stage]ModelConfig `json:"-"`
	ConfigDigest    string                `json:"-"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// StageIndex returns the position of stage in the session's stage list, or -1.
func (s *SessionRecord) StageIndex(stage Stage) int {
	for i, st := range s.Stages {
		if st == stage {
			return i
		}
	}
	return -1
}

// StageConfig returns the configured model for stage.
func (s *SessionRecord) StageConfig(stage Stage) ModelConfig {
	if s.StageConfigs == nil {
		return ModelConfig{}
	}
	return s.StageConfigs[stage]
}

// OverallProgress maps a (stage, position) checkpoint onto [0,1] across all
// stages so that it never decreases when the position resets for a new stage.
func OverallProgress(stageIdx, stageCount, position, total int) float64 {
	if stageCount <= 0 || total <= 0 {
		return 0
	}
	done := float64(stageIdx*total + position)
	p := done / float64(stageCount*total)
	if p > 1 {
		return 1
	}
	return p
}

// SessionProgress is the lightweight status projection polled by clients.
type SessionProgress struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	Progress        float64       `json:"progress"`
	CurrentPosition int           `json:"current_position"`
	TotalSegments   int           `json:"total_segments"`
	CurrentStage    Stage         `json:"current_stage"`
	ErrorMessage    *string       `json:"error_message"`
}
