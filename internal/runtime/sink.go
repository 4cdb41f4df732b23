// internal/runtime/sink.go
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/user/turnstile/internal/types"
)

// EventSink receives every inbound envelope off the hot path. Sink failures
// are logged and counted, never propagated into dispatch.
type EventSink interface {
	OnEnvelope(ctx context.Context, envelope *types.Envelope) error
}

// JSONLFileSink appends one JSON object per envelope to a file.
type JSONLFileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLFileSink opens (or creates) the sink file in append mode.
func NewJSONLFileSink(path string) (*JSONLFileSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	return &JSONLFileSink{file: file}, nil
}

func (s *JSONLFileSink) OnEnvelope(_ context.Context, envelope *types.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *JSONLFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// sinkLoop drains the sink queue in isolation from dispatch.
func sinkLoop(sink EventSink, metrics *Metrics, ch <-chan *types.Envelope, done chan<- struct{}) {
	defer close(done)
	for envelope := range ch {
		metrics.decSinkQueueDepth()
		started := time.Now()
		err := sink.OnEnvelope(context.Background(), envelope)
		metrics.recordSinkWrite(uint64(time.Since(started).Microseconds()), err != nil)
		if err != nil {
			slog.Warn("event sink write failed", "seq", envelope.Seq, "method", envelope.Method, "error", err)
		}
	}
}
