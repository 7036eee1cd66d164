package analyzer

import (
	"context"
	"testing"
)

func TestHeuristicAnalyzer_WarmupReturnsLowSeverity(t *testing.T) {
	a := New(0.3)
	ctx := context.Background()

	res, err := a.Analyze(ctx, map[string]any{"content": "user alice logged in", "source_name": "auth.log"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.SeverityScore < 1 || res.SeverityScore > 10 {
		t.Fatalf("severity = %d, want in [1,10]", res.SeverityScore)
	}
}

func TestHeuristicAnalyzer_DeviationAfterWarmupRaisesSeverity(t *testing.T) {
	a := New(0.3)
	ctx := context.Background()

	for i := 0; i < warmupSamples+5; i++ {
		if _, err := a.Analyze(ctx, map[string]any{"content": "normal request served ok", "source_name": "app.log"}); err != nil {
			t.Fatalf("Analyze warmup %d: %v", i, err)
		}
	}

	baseline, err := a.Analyze(ctx, map[string]any{"content": "normal request served ok", "source_name": "app.log"})
	if err != nil {
		t.Fatalf("Analyze baseline sample: %v", err)
	}

	deviant, err := a.Analyze(ctx, map[string]any{
		"content":     "root sudo setuid privilege escalation socket connect tcp beacon",
		"source_name": "app.log",
	})
	if err != nil {
		t.Fatalf("Analyze deviant sample: %v", err)
	}

	if deviant.SeverityScore <= baseline.SeverityScore {
		t.Fatalf("deviant severity = %d, want > baseline severity %d", deviant.SeverityScore, baseline.SeverityScore)
	}
}
