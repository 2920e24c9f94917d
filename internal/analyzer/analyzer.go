// Package analyzer holds the two collaborator contracts the orchestrator
// consumes, the Scorer and the Analyzer, together with the typed error
// taxonomy used for retry and circuit-break decisions.
package analyzer

import (
	"context"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// Scorer ranks the entrants of one work item. It is synchronous and pure.
type Scorer interface {
	Score(item types.WorkItem) []types.RankedScore
}

// Analyzer performs the remote analysis call for one work item. It may fail
// with an *Error describing whether the failure is worth retrying.
type Analyzer interface {
	Analyze(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(item types.WorkItem) []types.RankedScore

func (f ScorerFunc) Score(item types.WorkItem) []types.RankedScore {
	return f(item)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
	return f(ctx, item, scores)
}
