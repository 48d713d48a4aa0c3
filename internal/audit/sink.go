package audit

import "context"

// Sink is the one interface domain modules depend on to record events. It is
// owned by this dependency-free package so producers (auth, benefits, user
// management) and the pipeline implementation never import each other; the
// concrete emitter/queue wiring happens at the composition root.
//
// Emit never returns an error and never blocks beyond a bounded enqueue
// wait: audit failures must not abort the operation being audited.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// Discard is a Sink that drops every event. Useful in tests and as a safe
// default before the pipeline is wired.
var Discard Sink = SinkFunc(func(context.Context, Event) {})
