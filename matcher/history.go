package matcher

import (
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/capability"
)

const historyCapacity = 1000

// queryRecord is one remembered matching query, restored from
// original_source's matching-history ring buffer to support future
// learning (e.g. a later HistoricalPredictor refinement).
type queryRecord struct {
	Timestamp time.Time
	Algorithm Algorithm
	Filter    capability.Filter
	Results   []capability.Result
}

// history is a fixed-capacity ring buffer of the last 1000 matching
// queries, guarded by its own mutex so recording never blocks matching.
type history struct {
	mu     sync.Mutex
	buf    []queryRecord
	cursor int
	full   bool
}

func newHistory() *history {
	return &history{buf: make([]queryRecord, historyCapacity)}
}

func (h *history) record(rec queryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.cursor] = rec
	h.cursor = (h.cursor + 1) % historyCapacity
	if h.cursor == 0 {
		h.full = true
	}
}

// Len returns how many records are currently stored.
func (h *history) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return historyCapacity
	}
	return h.cursor
}

// Recent returns up to n of the most recently recorded queries, newest first.
func (h *history) Recent(n int) []queryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := h.cursor
	if h.full {
		total = historyCapacity
	}
	if n > total {
		n = total
	}
	out := make([]queryRecord, 0, n)
	idx := h.cursor
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = historyCapacity - 1
		}
		out = append(out, h.buf[idx])
	}
	return out
}
