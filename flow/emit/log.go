package emit

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LogEmitter renders events through zerolog.
//
// Example output:
//
//	{"level":"info","exec":"a1b2","event":"node_end","node":"agent-1","output_len":42,"time":"2024-05-01T12:00:00Z"}
//
// Usage:
//
//	emitter := emit.NewLogEmitter(os.Stderr)
//	result, err := engine.Execute(ctx, wf, input, cb, flow.WithEmitter(emitter))
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing JSON lines to w.
// A nil writer falls back to stderr.
func NewLogEmitter(w io.Writer) *LogEmitter {
	if w == nil {
		w = os.Stderr
	}
	return &LogEmitter{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// NewLogEmitterWith wraps an existing zerolog logger.
func NewLogEmitterWith(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	ev := l.logger.Info()
	if event.Msg == MsgNodeError {
		ev = l.logger.Error()
	}
	ev = ev.Str("exec", event.ExecutionID).Str("event", event.Msg)
	if event.NodeID != "" {
		ev = ev.Str("node", event.NodeID)
	}
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Send()
}

// Flush implements Emitter. zerolog writes synchronously, so there is
// nothing to drain.
func (l *LogEmitter) Flush(context.Context) error { return nil }
