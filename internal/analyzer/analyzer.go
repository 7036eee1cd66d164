// Package analyzer provides the default Analyzer implementation the
// pipeline worker calls: a keyword-feature anomaly scorer adapted from the
// teacher's process-behaviour engine (internal/anomaly), repointed at log
// content instead of BPF event-count vectors. spec.md §6 treats the
// analyzer as an external collaborator behind an interface; this is a
// real, self-contained implementation of that interface rather than a
// stub, so the pipeline has something to call end to end.
package analyzer

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/vigil/vigil/internal/anomaly"
	"github.com/vigil/vigil/internal/pipeline"
)

// featureCategories are the keyword buckets a log line's content is
// scored against. Index order must match the feature vector built in
// extractFeatures and the EventCounts passed to ShannonEntropy.
var featureCategories = []struct {
	name     string
	keywords []string
}{
	{name: "auth", keywords: []string{"login", "password", "auth", "credential", "session", "token"}},
	{name: "network", keywords: []string{"connect", "socket", "tcp", "udp", "port", " ip ", "beacon"}},
	{name: "privilege", keywords: []string{"root", "sudo", "setuid", "privilege", "admin", "escalat"}},
}

// warmupSamples is how many events a source must contribute before its
// baseline is considered established, mirroring the original engine's
// "nil baseline returns 0.0" rule but keyed by source name instead of PID.
const warmupSamples = 20

// emaAlpha controls how quickly a source's baseline tracks new samples.
const emaAlpha = 0.05

type sourceBaseline struct {
	mu      sync.Mutex
	samples int
	mean    []float64
	entropy float64
}

// HeuristicAnalyzer implements pipeline.Analyzer using the Mahalanobis +
// entropy anomaly score from internal/anomaly, with a per-source rolling
// baseline updated online (no offline training phase, unlike the original
// BPF-fed engine).
type HeuristicAnalyzer struct {
	engine *anomaly.Engine

	mu        sync.Mutex
	baselines map[string]*sourceBaseline
}

// New constructs a HeuristicAnalyzer. entropyWeight must be in [0, 1]; it
// is the wₑ term in the anomaly score formula.
func New(entropyWeight float64) *HeuristicAnalyzer {
	return &HeuristicAnalyzer{
		engine:    anomaly.NewEngine(entropyWeight),
		baselines: make(map[string]*sourceBaseline),
	}
}

// Analyze extracts a keyword-category feature vector from the parsed
// event's content, scores it against the source's rolling baseline, and
// maps the anomaly score onto the 1..10 severity scale from §6.
func (a *HeuristicAnalyzer) Analyze(ctx context.Context, parsed map[string]any) (pipeline.AnalysisResult, error) {
	content, _ := parsed["content"].(string)
	source, _ := parsed["source_name"].(string)

	x, counts := extractFeatures(content)
	currentEntropy := anomaly.ShannonEntropy(counts)

	bl := a.baselineFor(source)
	bl.mu.Lock()
	defer bl.mu.Unlock()

	var baseline *anomaly.Baseline
	if bl.samples >= warmupSamples {
		baseline = &anomaly.Baseline{
			MeanVector:      bl.mean,
			BaselineEntropy: bl.entropy,
		}
	}

	score, err := a.engine.Score(x, baseline, currentEntropy)
	if err != nil {
		return pipeline.AnalysisResult{}, err
	}

	bl.update(x, currentEntropy)

	severity := severityFromScore(score)
	return pipeline.AnalysisResult{
		SeverityScore:   severity,
		Explanation:     explain(severity, score, content),
		Recommendations: recommend(severity, x),
	}, nil
}

func (a *HeuristicAnalyzer) baselineFor(source string) *sourceBaseline {
	a.mu.Lock()
	defer a.mu.Unlock()
	bl, ok := a.baselines[source]
	if !ok {
		bl = &sourceBaseline{mean: make([]float64, len(featureCategories))}
		a.baselines[source] = bl
	}
	return bl
}

// update folds a new sample into the rolling baseline via exponential
// moving average once warmed up, or a plain running average during
// warmup so early samples aren't dominated by the first observation.
func (bl *sourceBaseline) update(x []float64, entropy float64) {
	bl.samples++
	if bl.samples <= warmupSamples {
		n := float64(bl.samples)
		for i, v := range x {
			bl.mean[i] += (v - bl.mean[i]) / n
		}
		bl.entropy += (entropy - bl.entropy) / n
		return
	}
	for i, v := range x {
		bl.mean[i] = bl.mean[i] + emaAlpha*(v-bl.mean[i])
	}
	bl.entropy = bl.entropy + emaAlpha*(entropy-bl.entropy)
}

// extractFeatures counts keyword-category hits in content, returning both
// the raw counts (for entropy) and a length-normalized feature vector (for
// the Mahalanobis term, so longer lines don't trivially score higher).
func extractFeatures(content string) ([]float64, anomaly.EventCounts) {
	lower := strings.ToLower(content)
	words := math.Max(1, float64(len(strings.Fields(lower))))

	x := make([]float64, len(featureCategories))
	var counts anomaly.EventCounts
	for i, cat := range featureCategories {
		var hits int
		for _, kw := range cat.keywords {
			hits += strings.Count(lower, kw)
		}
		x[i] = float64(hits) / words
		if i+1 < len(counts) {
			counts[i+1] = uint64(hits)
		}
	}
	return x, counts
}

// severityFromScore maps a non-negative anomaly score onto 1..10. The
// curve is deliberately gentle: a score of 0 (perfectly on-baseline) is
// still a 1 (informational), and scores climb logarithmically so a
// handful of rare-keyword lines don't saturate the scale.
func severityFromScore(score float64) int {
	s := 1 + int(math.Round(4*math.Log1p(score)))
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}

func explain(severity int, score float64, content string) string {
	switch {
	case severity >= 8:
		return "content deviates sharply from this source's established keyword baseline"
	case severity >= 5:
		return "content shows moderate deviation from this source's baseline"
	default:
		return "content is within the expected range for this source"
	}
}

func recommend(severity int, x []float64) []string {
	if severity < 5 {
		return nil
	}
	var recs []string
	for i, cat := range featureCategories {
		if x[i] > 0 {
			recs = append(recs, "review "+cat.name+"-related activity for this source")
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "review source activity; deviation did not map to a known keyword category")
	}
	return recs
}
