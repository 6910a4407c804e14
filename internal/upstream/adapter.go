package upstream

import (
	"context"

	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

// Adapter speaks one provider wire protocol and normalizes its stream into
// orchestrator events. The event channel closes when the stream ends; the
// error channel then yields at most one error and closes.
type Adapter interface {
	Protocol() registry.Protocol
	Stream(ctx context.Context, call Call) (<-chan orchestrator.StreamEvent, <-chan error)
}

// Call is one upstream attempt against a single model with a single key.
type Call struct {
	Model               registry.ModelDef
	APIKey              string
	Messages            []orchestrator.Message
	Tools               []map[string]any
	MaxCompletionTokens int
	StreamOptions       map[string]any
}

const defaultMaxTokens = 8192

// runStream runs produce on its own goroutine, exposing its events through
// the Adapter channel contract.
func runStream(ctx context.Context, produce func(emit func(orchestrator.StreamEvent) error) error) (<-chan orchestrator.StreamEvent, <-chan error) {
	events := make(chan orchestrator.StreamEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		err := produce(func(ev orchestrator.StreamEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(events)
		if err != nil {
			errs <- err
		}
	}()
	return events, errs
}

// outboundMessages applies per-model message rewrites shared by both
// protocols.
func outboundMessages(call Call) []orchestrator.Message {
	if call.Model.Has(registry.CapVision) {
		return call.Messages
	}
	return stripImages(call.Messages)
}
