package monitor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cellarworks/vintrack/internal/engine"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

type exportDoc struct {
	ExportedAt time.Time         `json:"exported_at"`
	Summary    Summary           `json:"summary"`
	Metrics    []IntervalMetrics `json:"metrics"`
	Alerts     []Alert           `json:"alerts"`
}

// Export serializes the summary, the rolled-up history and every
// alert in the requested format.
func (e *Engine) Export(format string) ([]byte, error) {
	var history []IntervalMetrics
	for _, v := range e.history.Values() {
		history = append(history, v.(IntervalMetrics))
	}
	alerts := e.Alerts()
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.Before(alerts[j].TriggeredAt)
	})

	switch format {
	case FormatJSON:
		return json.MarshalIndent(exportDoc{
			ExportedAt: time.Now(),
			Summary:    e.PerformanceSummary(),
			Metrics:    history,
			Alerts:     alerts,
		}, "", "  ")
	case FormatCSV:
		return exportCSV(history)
	default:
		return nil, engine.ErrValidation("format", fmt.Sprintf("unknown format %q", format))
	}
}

func exportCSV(history []IntervalMetrics) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{
		"timestamp", "requests", "responses", "errors",
		"cache_hits", "cache_misses", "avg_response_time_ms",
		"error_rate", "cpu", "memory",
	}); err != nil {
		return nil, err
	}
	for _, m := range history {
		record := []string{
			m.Timestamp.Format(time.RFC3339Nano),
			strconv.FormatInt(m.Requests, 10),
			strconv.FormatInt(m.Responses, 10),
			strconv.FormatInt(m.Errors, 10),
			strconv.FormatInt(m.CacheHits, 10),
			strconv.FormatInt(m.CacheMisses, 10),
			strconv.FormatFloat(m.AvgResponseTime, 'f', -1, 64),
			strconv.FormatFloat(m.ErrorRate, 'f', -1, 64),
			strconv.FormatFloat(m.CPU, 'f', -1, 64),
			strconv.FormatFloat(m.Memory, 'f', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
