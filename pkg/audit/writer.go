package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// WriterSink writes entries as JSON lines to a primary writer, diverting
// to a fallback writer when the primary fails. Useful for piping the
// audit stream to stdout or a collector socket.
type WriterSink struct {
	mu       sync.Mutex
	primary  io.Writer
	fallback io.Writer
}

// NewWriterSink creates a sink. fallback may be nil, in which case failed
// writes are dropped after the Log's fallback channel reports them.
func NewWriterSink(primary, fallback io.Writer) *WriterSink {
	return &WriterSink{primary: primary, fallback: fallback}
}

func (w *WriterSink) Write(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line := append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.primary.Write(line); err != nil {
		if w.fallback != nil {
			if _, ferr := w.fallback.Write(line); ferr == nil {
				return nil
			}
		}
		return err
	}
	return nil
}
