package models

import (
	"encoding/json"
	"time"
)

type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentDone    SegmentStatus = "done"
	SegmentFailed  SegmentStatus = "failed"
)

type SegmentRecord struct {
	SessionID    string `json:"session_id"`
	Index        int    `json:"segment_index"`
	OriginalText string `json:"original_text"`
	// Outputs holds one entry per stage that has produced text for this segment.
	Outputs map[Stage]string `json:"outputs"`
	Status  SegmentStatus    `json:"status"`
}

// Input returns the text a stage transforms: the output of the stage before
// it in stages, or the original text for the first stage.
func (s *SegmentRecord) Input(stages []Stage, stage Stage) string {
	for i, st := range stages {
		if st != stage {
			continue
		}
		if i == 0 {
			return s.OriginalText
		}
		if out, ok := s.Outputs[stages[i-1]]; ok {
			return out
		}
		return s.OriginalText
	}
	return s.OriginalText
}

// FinalText walks stages from last to first and returns the first output
// present, falling back to the original text.
func (s *SegmentRecord) FinalText(stages []Stage) string {
	for i := len(stages) - 1; i >= 0; i-- {
		if out, ok := s.Outputs[stages[i]]; ok {
			return out
		}
	}
	return s.OriginalText
}

// ChangeRecord is one audit entry for a (segment, stage) attempt.
type ChangeRecord struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"session_id"`
	SegmentIndex int             `json:"segment_index"`
	Stage        Stage           `json:"stage"`
	BeforeText   string          `json:"before_text"`
	AfterText    string          `json:"after_text"`
	Detail       json.RawMessage `json:"changes_detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ChangeDetail is the structured payload stored with each change record.
type ChangeDetail struct {
	Model       string `json:"model"`
	BeforeUnits int    `json:"before_units"`
	AfterUnits  int    `json:"after_units"`
	HistorySize int    `json:"history_size"`
	DurationMS  int64  `json:"duration_ms"`
}
