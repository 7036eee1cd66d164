// Package parser provides the default log-entry Parser the pipeline worker
// calls in step 1 of §4.5's processing order. A real deployment can swap
// in a source-specific grammar; this one handles the common cases (JSON
// lines, syslog-style key=value pairs, and bare text) so the pipeline has
// a working parser to invoke end to end.
package parser

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/vigil/vigil/internal/model"
)

// DefaultParser implements pipeline.Parser.
type DefaultParser struct{}

// New constructs a DefaultParser.
func New() *DefaultParser { return &DefaultParser{} }

// Parse rejects empty content as a validation failure and otherwise
// returns a structured map carrying the original content plus whatever
// fields it could extract (JSON object keys, or key=value pairs).
func (p *DefaultParser) Parse(entry model.LogEntry) (map[string]any, error) {
	content := strings.TrimSpace(entry.Content)
	if content == "" {
		return nil, errors.New("parser: empty log entry content")
	}

	out := map[string]any{
		"content":     entry.Content,
		"source_name": entry.SourceName,
		"source_path": entry.SourcePath,
		"timestamp":   entry.Timestamp,
	}

	if strings.HasPrefix(content, "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(content), &fields); err == nil {
			for k, v := range fields {
				out[k] = v
			}
			return out, nil
		}
	}

	for _, pair := range strings.Fields(content) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = strings.Trim(v, `"`)
	}

	return out, nil
}
