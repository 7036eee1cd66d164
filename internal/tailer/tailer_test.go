package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/sandbox"
	"github.com/vigil/vigil/internal/store"
)

type fakeSink struct {
	entries []model.LogEntry
	reject  bool
}

func (f *fakeSink) Enqueue(e model.LogEntry) bool {
	if f.reject {
		return false
	}
	f.entries = append(f.entries, e)
	return true
}

func TestTailer_AppendThenRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("L001\nL002\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sink := &fakeSink{}
	st, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"), 30)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	sb := sandbox.New([]string{dir}, nil, false)
	tl, err := New(config.TailerConfig{MaxLineBytes: model.MaxLineBytes}, sb, st, sink, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("tailer.New: %v", err)
	}
	defer tl.Stop()

	cfg := model.LogSourceConfig{
		SourceName:       "a",
		Path:             path,
		SourceType:       model.SourceTypeFile,
		Enabled:          true,
		PollingIntervalS: 1,
		BatchSize:        10,
		Priority:         5,
	}
	if err := tl.AddSource(context.Background(), cfg); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	// AddSource seeks new sources to end-of-file (offset 10); L001/L002
	// must not be replayed.
	src := tl.sources["a"]
	if src.offset != 10 {
		t.Fatalf("initial offset = %d, want 10 (end of file)", src.offset)
	}

	if err := appendToFile(path, "L3\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	tl.processSource(src)

	if len(sink.entries) != 1 || sink.entries[0].Content != "L3" {
		t.Fatalf("entries after append = %+v, want one entry with content L3", sink.entries)
	}
	if sink.entries[0].FileOffset != 13 {
		t.Fatalf("file_offset = %d, want 13", sink.entries[0].FileOffset)
	}

	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := appendToFile(path, "L4\n"); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	tl.processSource(src)

	if len(sink.entries) != 2 || sink.entries[1].Content != "L4" {
		t.Fatalf("entries after rotate = %+v, want second entry with content L4", sink.entries)
	}
	if sink.entries[1].FileOffset != 3 {
		t.Fatalf("file_offset after rotation = %d, want 3", sink.entries[1].FileOffset)
	}
}

func TestTailer_BackpressureStopsAtRejectedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sink := &fakeSink{}
	st, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"), 30)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	sb := sandbox.New([]string{dir}, nil, false)
	tl, err := New(config.TailerConfig{MaxLineBytes: model.MaxLineBytes}, sb, st, sink, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("tailer.New: %v", err)
	}
	defer tl.Stop()

	cfg := model.LogSourceConfig{
		SourceName: "b", Path: path, SourceType: model.SourceTypeFile,
		Enabled: true, PollingIntervalS: 1, BatchSize: 10, Priority: 5,
	}
	if err := tl.AddSource(context.Background(), cfg); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	src := tl.sources["b"]

	if err := appendToFile(path, "X1\nX2\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	sink.reject = true
	tl.processSource(src)

	if len(sink.entries) != 0 {
		t.Fatalf("expected no admitted entries under rejection, got %d", len(sink.entries))
	}
	if src.offset != 0 {
		t.Fatalf("offset = %d, want 0 (unchanged while rejected)", src.offset)
	}

	sink.reject = false
	tl.processSource(src)
	if len(sink.entries) != 2 {
		t.Fatalf("expected both lines admitted once unblocked, got %d", len(sink.entries))
	}
}

func appendToFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}
