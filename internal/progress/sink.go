package progress

import "context"

// Sink receives batches of item-lifecycle events from the Hub. Consume must
// honor the context deadline and tolerate being called again after an error;
// the Hub keeps delivering later batches regardless.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side handed to pipeline stages. Hub implements it, so
// the fetch, analyze and persist code stays unaware of batching or sinks.
type Emitter interface {
	Emit(evt Event)
}
