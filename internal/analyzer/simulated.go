// ============================================================================
// Simulated collaborators
// ============================================================================
//
// The simulated scorer and analyzer stand in for the real handicapping
// scorer and the remote analysis API. They are used by the CLI, the demo
// and the integration tests:
//   - SimulatedScorer derives a stable score per entrant from the item ID
//   - SimulatedAnalyzer sleeps a random latency (0..MaxLatency) and fails
//     with probability FailureRate, picking a failure kind at random
//
// ============================================================================

package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// SimulatedScorer scores the entrants listed in the item payload under
// "entrants" ([]string or []any). Without entrants it invents FieldSize
// runners named "runner-N".
type SimulatedScorer struct {
	FieldSize int
}

func (s SimulatedScorer) Score(item types.WorkItem) []types.RankedScore {
	entrants := entrantsOf(item, s.FieldSize)
	scores := make([]types.RankedScore, 0, len(entrants))
	for _, name := range entrants {
		h := fnv.New32a()
		h.Write([]byte(item.ID))
		h.Write([]byte{0})
		h.Write([]byte(name))
		scores = append(scores, types.RankedScore{
			Entrant: name,
			Score:   float64(h.Sum32()%10000) / 100,
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores
}

func entrantsOf(item types.WorkItem, fieldSize int) []string {
	if raw, ok := item.Payload["entrants"]; ok {
		switch v := raw.(type) {
		case []string:
			return v
		case []any:
			names := make([]string, 0, len(v))
			for _, e := range v {
				names = append(names, fmt.Sprint(e))
			}
			return names
		}
	}
	if fieldSize <= 0 {
		fieldSize = 8
	}
	names := make([]string, fieldSize)
	for i := range names {
		names[i] = fmt.Sprintf("runner-%d", i+1)
	}
	return names
}

// SimulatedConfig tunes SimulatedAnalyzer.
type SimulatedConfig struct {
	FailureRate float64       // probability of a failed call, 0..1
	MaxLatency  time.Duration // upper bound of the random call latency
	FatalRate   float64       // share of failures that are non-recoverable, 0..1
	Seed        int64         // 0 seeds from the clock
}

// SimulatedAnalyzer fakes the remote analysis API.
type SimulatedAnalyzer struct {
	cfg SimulatedConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedAnalyzer creates a SimulatedAnalyzer.
func NewSimulatedAnalyzer(cfg SimulatedConfig) *SimulatedAnalyzer {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedAnalyzer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

var (
	recoverableKinds = []Kind{KindNetworkError, KindTimeout, KindRateLimited, KindUnknown}
	fatalKinds       = []Kind{KindQuotaExceeded, KindParseError, KindInvalidRequest}
)

func (a *SimulatedAnalyzer) Analyze(ctx context.Context, item types.WorkItem, scores []types.RankedScore) (*types.AnalysisResult, error) {
	a.mu.Lock()
	var latency time.Duration
	if a.cfg.MaxLatency > 0 {
		latency = time.Duration(a.rng.Int63n(int64(a.cfg.MaxLatency)))
	}
	fail := a.rng.Float64() < a.cfg.FailureRate
	fatal := a.rng.Float64() < a.cfg.FatalRate
	pick := a.rng.Intn(len(recoverableKinds) * len(fatalKinds))
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, Wrap(KindTimeout, ctx.Err())
	case <-time.After(latency):
	}

	if fail {
		kind := recoverableKinds[pick%len(recoverableKinds)]
		if fatal {
			kind = fatalKinds[pick%len(fatalKinds)]
		}
		return nil, NewError(kind, fmt.Sprintf("simulated %s for %s", kind, item.ID))
	}

	picks := make([]string, 0, 3)
	for i := 0; i < len(scores) && i < 3; i++ {
		picks = append(picks, scores[i].Entrant)
	}
	return &types.AnalysisResult{
		Content: fmt.Sprintf("%s: %d entrants analysed", item.ID, len(scores)),
		Picks:   picks,
		Metadata: map[string]any{
			"latency_ms": latency.Milliseconds(),
		},
	}, nil
}
