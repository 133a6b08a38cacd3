package emit

import "context"

// Null discards every event. Useful as a default and in benchmarks.
type Null struct{}

// Emit implements Emitter.
func (Null) Emit(Event) {}

// Flush implements Emitter.
func (Null) Flush(context.Context) error { return nil }
