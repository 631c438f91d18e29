package progress

import "context"

// Sink receives batches of progress events from the Hub, in emission order.
// Close is called once when the Hub shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what the orchestrator and download workers report through.
type Emitter interface {
	Emit(evt Event)
}
