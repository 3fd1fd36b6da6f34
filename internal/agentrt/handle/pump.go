package handle

import (
	"bufio"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloom/agentctl/internal/platform/logger"
)

// stdioPump continuously drains one stream (stdout or stderr) from a
// reader into a bounded queue and the handle's broadcast channel. It never
// blocks the supervisor: a full queue drops its oldest entry rather than
// stalling the read loop, and broadcast sends are themselves non-blocking.
//
// Grounded on the teacher's readOutput goroutine in
// agentctl/server/process/runner.go, generalized from "stream to a single
// WebSocket tracker" to "enqueue + broadcast", and from raw reads to
// newline-delimited chunking so QueryOutput's line-oriented filtering has
// stable chunk boundaries to work with.
type stdioPump struct {
	stream    string
	queue     *boundedQueue
	broadcast *stdioBroadcast
	log       *logger.Logger

	mu           sync.Mutex
	lastEmitted  time.Time
}

func newStdioPump(stream string, queue *boundedQueue, broadcast *stdioBroadcast, log *logger.Logger) *stdioPump {
	return &stdioPump{
		stream:    stream,
		queue:     queue,
		broadcast: broadcast,
		log:       log,
	}
}

// run reads from r until EOF or a read error, then returns. onTruncate is
// invoked at most once per second while the queue is evicting entries, so
// callers can emit a throttled StdioEmitted truncation event.
func (p *stdioPump) run(r io.Reader, onTruncate func()) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			data := make([]byte, len(line))
			copy(data, line)

			if p.queue.push(chunk{Stream: p.stream, Data: data}) {
				p.maybeNotifyTruncation(onTruncate)
			}
			p.broadcast.publish(StdioChunk{Stream: p.stream, Bytes: data})
		}
		if err != nil {
			if err != io.EOF && p.log != nil {
				p.log.Debug("stdio pump read error", zap.String("stream", p.stream), zap.Error(err))
			}
			return
		}
	}
}

func (p *stdioPump) maybeNotifyTruncation(onTruncate func()) {
	if onTruncate == nil {
		return
	}
	p.mu.Lock()
	emit := time.Since(p.lastEmitted) >= time.Second
	if emit {
		p.lastEmitted = time.Now()
	}
	p.mu.Unlock()
	if emit {
		onTruncate()
	}
}
