package pipeline

import (
	"go.uber.org/zap"

	"github.com/dshills/agentflow-go/model"
	"github.com/dshills/agentflow-go/store"
)

// GraphType selects the pipeline variant at startup.
type GraphType string

const (
	// GraphThin is the single-node compatibility pipeline.
	GraphThin GraphType = "thin"

	// GraphFull is the thirteen-node decision pipeline.
	GraphFull GraphType = "full"
)

// Config is the per-deployment pipeline policy.
type Config struct {
	Graph GraphType

	// CoverageThreshold is the minimum intake coverage below which the
	// pipeline detours through adaptive questions and the input gate.
	CoverageThreshold float64

	// AutoApproveInput and AutoApproveFinal disable the corresponding
	// human gate: the pipeline proceeds as if approved, without
	// suspending. The auto-approve boundary is explicit configuration,
	// never inferred.
	AutoApproveInput bool
	AutoApproveFinal bool

	// MaxIntakeRounds bounds the loop-back from the input gate to
	// intake. A request to re-enter beyond the bound is an error.
	MaxIntakeRounds int

	// QuestionTimeoutSeconds is surfaced on questions-presented events
	// so clients can render a countdown.
	QuestionTimeoutSeconds int
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.Graph == "" {
		c.Graph = GraphFull
	}
	if c.CoverageThreshold == 0 {
		c.CoverageThreshold = 0.7
	}
	if c.MaxIntakeRounds == 0 {
		c.MaxIntakeRounds = 2
	}
	if c.QuestionTimeoutSeconds == 0 {
		c.QuestionTimeoutSeconds = 300
	}
	return c
}

// Deps are the external collaborators nodes depend on, resolved once at
// process start and injected into construction.
type Deps struct {
	Model     model.ChatModel
	Cache     store.CallCache
	Artifacts store.Artifacts
	Log       *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}
