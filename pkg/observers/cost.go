package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/metrics"
)

// CostSummary is one call's billable usage: synthesized characters split by
// what the caller was hearing, plus turn counts for rate sanity checks.
type CostSummary struct {
	CallID        string `json:"call_id"`
	FillerChars   int    `json:"filler_chars"`
	AnswerChars   int    `json:"answer_chars"`
	Turns         int    `json:"turns"`
	FillerTurns   int    `json:"filler_turns"`
	FallbackTurns int    `json:"fallback_turns"`
	RecordedAtUTC string `json:"recorded_at_utc"`
}

// CostObserver accumulates per-call usage and writes one summary file per
// call on Close.
type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags[metrics.TagCallID]
	}
	if callID == "" {
		return
	}

	switch ev.Name {
	case metrics.EventSynthStarted:
		textLen := intField(ev.Fields, "text_len")
		if textLen <= 0 {
			return
		}
		o.mu.Lock()
		stat := o.statLocked(callID)
		if source, _ := ev.Fields["source"].(string); source == string(frames.SourceFiller) {
			stat.FillerChars += textLen
		} else {
			stat.AnswerChars += textLen
		}
		o.mu.Unlock()

	case metrics.EventTurnCompleted:
		o.mu.Lock()
		stat := o.statLocked(callID)
		stat.Turns++
		if used, _ := ev.Fields["used_filler"].(bool); used {
			stat.FillerTurns++
		}
		o.mu.Unlock()

	case metrics.EventAnswerFallback:
		o.mu.Lock()
		o.statLocked(callID).FallbackTurns++
		o.mu.Unlock()
	}
}

func (o *CostObserver) statLocked(callID string) *CostSummary {
	stat := o.stats[callID]
	if stat == nil {
		stat = &CostSummary{CallID: callID}
		o.stats[callID] = stat
	}
	return stat
}

func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".cost.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ metrics.Observer = (*CostObserver)(nil)
