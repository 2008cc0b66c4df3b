package config

import (
	"github.com/samsaffron/toolloop/internal/tools"
)

// Settings answers the loop's tool and checkpoint policy questions from a
// loaded Config.
type Settings struct {
	policy        *tools.Policy
	maxIterations int
	checkpoints   CheckpointConfig
}

// NewSettings compiles the tool patterns of cfg.
func NewSettings(cfg *Config) (*Settings, error) {
	policy, err := tools.NewPolicy(cfg.Tools.AutoExec, cfg.Tools.RequireConfirmation)
	if err != nil {
		return nil, err
	}
	return &Settings{
		policy:        policy,
		maxIterations: cfg.Tools.MaxIterations,
		checkpoints:   cfg.Checkpoints,
	}, nil
}

func (s *Settings) IsToolAutoExec(name string) bool {
	return s.policy.IsToolAutoExec(name)
}

// MaxToolIterations returns the configured bound; 0 falls back to
// tools.DefaultMaxIterations and -1 disables the bound.
func (s *Settings) MaxToolIterations() int {
	if s.maxIterations == 0 {
		return tools.DefaultMaxIterations
	}
	return s.maxIterations
}

func (s *Settings) ShouldCreateBeforeModelCheckpoint(iteration int) bool {
	if !s.checkpoints.BeforeModel {
		return false
	}
	return !s.checkpoints.OuterLayerOnly || iteration == 1
}

func (s *Settings) ShouldCreateAfterModelCheckpoint() bool {
	return s.checkpoints.AfterModel
}

func (s *Settings) ShouldCreateBeforeToolCheckpoint() bool {
	return s.checkpoints.BeforeTools
}

func (s *Settings) ShouldCreateAfterToolCheckpoint() bool {
	return s.checkpoints.AfterTools
}
