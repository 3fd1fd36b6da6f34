package handler

import (
	"encoding/base64"
	"strings"
	"sync"
)

func encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodedLen(encoded string) int {
	padding := len(encoded) - len(strings.TrimRight(encoded, "="))
	return base64.StdEncoding.DecodedLen(len(encoded)) - padding
}

// HistoryRing holds a snapshot of an agent's recent combined stdout/stderr
// output, bounded by both byte count and line count. When over either cap,
// the oldest line is evicted from whichever stream currently holds more
// buffered bytes, per spec §4.11.
type HistoryRing struct {
	mu       sync.Mutex
	maxBytes int64
	maxLines int

	lines     []HistoryLine
	bytesByStream map[string]int64
}

// NewHistoryRing constructs an empty ring.
func NewHistoryRing(maxBytes int64, maxLines int) *HistoryRing {
	return &HistoryRing{
		maxBytes:      maxBytes,
		maxLines:      maxLines,
		bytesByStream: make(map[string]int64),
	}
}

// Add appends one raw chunk, tracked under stream, then evicts until back
// within bounds.
func (h *HistoryRing) Add(stream string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lines = append(h.lines, HistoryLine{Stream: stream, Data: encode(data)})
	h.bytesByStream[stream] += int64(len(data))

	for h.overBounds() && len(h.lines) > 0 {
		h.evictOldestFromLargerStream()
	}
}

func (h *HistoryRing) overBounds() bool {
	if h.maxLines > 0 && len(h.lines) > h.maxLines {
		return true
	}
	if h.maxBytes > 0 && h.totalBytes() > h.maxBytes {
		return true
	}
	return false
}

func (h *HistoryRing) totalBytes() int64 {
	var total int64
	for _, b := range h.bytesByStream {
		total += b
	}
	return total
}

// evictOldestFromLargerStream drops the oldest buffered line belonging to
// whichever stream currently holds more bytes.
func (h *HistoryRing) evictOldestFromLargerStream() {
	larger := "stdout"
	if h.bytesByStream["stderr"] > h.bytesByStream["stdout"] {
		larger = "stderr"
	}

	for i, line := range h.lines {
		if line.Stream == larger {
			h.bytesByStream[larger] -= int64(decodedLen(line.Data))
			h.lines = append(h.lines[:i], h.lines[i+1:]...)
			return
		}
	}
	// No line from the larger stream; drop the oldest line overall.
	if len(h.lines) > 0 {
		oldest := h.lines[0]
		h.bytesByStream[oldest.Stream] -= int64(decodedLen(oldest.Data))
		h.lines = h.lines[1:]
	}
}

// Snapshot returns a copy of the currently buffered lines, oldest first.
func (h *HistoryRing) Snapshot() []HistoryLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryLine, len(h.lines))
	copy(out, h.lines)
	return out
}
