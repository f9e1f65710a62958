package app

import (
	"sync/atomic"
	"time"

	"github.com/dyike/PolishGo/config"
	"github.com/dyike/PolishGo/internal/pipeline"
)

// Engine is an immutable snapshot of the config in force. A reload builds a
// new Engine rather than mutating the old one.
type Engine struct {
	Config   config.Config
	Settings pipeline.Settings
	BuiltAt  time.Time
	Version  uint64
}

var engineSeq atomic.Uint64

func BuildEngine(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		Config: cfg,
		Settings: pipeline.Settings{
			StageTemperature:       cfg.StageTemperature,
			CompressionTemperature: cfg.CompressionTemperature,
			HistoryBudget:          cfg.HistoryBudget,
		},
		BuiltAt: time.Now(),
		Version: engineSeq.Add(1),
	}, nil
}
