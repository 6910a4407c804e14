package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/OverClawApp/releases-sub001/internal/keypool"
	"github.com/OverClawApp/releases-sub001/internal/metrics"
	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/ratelimit"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

// Meter receives the usage of every successful run.
type Meter interface {
	Record(ctx context.Context, userID string, model registry.ModelDef, usage orchestrator.Usage)
}

type RouterConfig struct {
	// MaxRetries is the number of extra attempts on a rate limit, each with
	// the next rotated key.
	MaxRetries int
	RetryDelay time.Duration
	// RequestTimeout bounds a whole run across all candidates. Zero disables.
	RequestTimeout time.Duration
}

// RouterService drives a request through its candidate chain. It owns the
// key pools and provider queues shared by all requests.
type RouterService struct {
	registry *registry.Registry
	keys     *keypool.Manager
	queues   *ratelimit.QueueManager
	adapters map[registry.Protocol]Adapter
	meter    Meter
	cfg      RouterConfig
	log      zerolog.Logger
}

func NewRouterService(
	reg *registry.Registry,
	keys *keypool.Manager,
	queues *ratelimit.QueueManager,
	adapters []Adapter,
	meter Meter,
	cfg RouterConfig,
	log zerolog.Logger,
) *RouterService {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	byProtocol := make(map[registry.Protocol]Adapter, len(adapters))
	for _, a := range adapters {
		byProtocol[a.Protocol()] = a
	}
	return &RouterService{
		registry: reg,
		keys:     keys,
		queues:   queues,
		adapters: byProtocol,
		meter:    meter,
		cfg:      cfg,
		log:      log,
	}
}

// attemptResult is the outcome of one candidate. A failure is fallbackable
// only while nothing has reached the caller.
type attemptResult struct {
	usage   orchestrator.Usage
	emitted bool
	// buffered holds content events when the caller has not seen them yet.
	buffered []orchestrator.StreamEvent
	err      error
}

func (r attemptResult) fallbackable() bool { return r.err != nil && !r.emitted }

func (r attemptResult) committed() bool { return r.err != nil && r.emitted }

func (r attemptResult) outcome() string {
	var rl *RateLimitError
	switch {
	case r.err == nil:
		return "success"
	case errors.Is(r.err, ratelimit.ErrQueueTimeout):
		return "queue_timeout"
	case errors.As(r.err, &rl):
		return "rate_limited"
	case r.emitted:
		return "committed_error"
	default:
		return "error"
	}
}

// Stream forwards content as it arrives. After content has been forwarded, a
// failure ends the stream with an EventNotice instead of an error.
func (s *RouterService) Stream(ctx context.Context, req orchestrator.Request) (<-chan orchestrator.StreamEvent, <-chan error) {
	events := make(chan orchestrator.StreamEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		err := s.run(ctx, req, false, func(ev orchestrator.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
		close(events)
		if err != nil {
			errs <- err
		}
	}()
	return events, errs
}

// Complete buffers each attempt, so any failure may fall back.
func (s *RouterService) Complete(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	var collected []orchestrator.StreamEvent
	err := s.run(ctx, req, true, func(ev orchestrator.StreamEvent) bool {
		collected = append(collected, ev)
		return true
	})
	if err != nil {
		return orchestrator.Response{}, err
	}
	return orchestrator.Accumulate(collected), nil
}

func (s *RouterService) run(parent context.Context, req orchestrator.Request, buffered bool, emit func(orchestrator.StreamEvent) bool) error {
	ctx := parent
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.cfg.RequestTimeout)
		defer cancel()
	}
	log := s.log.With().Str("run_id", req.RunID).Str("category", string(req.Category)).Logger()

	chain := s.registry.Candidates(req.Category, s.keys)
	if len(chain) == 0 {
		return ErrNoAvailableModel
	}

	var lastErr error
	for _, m := range chain {
		log.Debug().Str("model", m.ID).Str("provider", m.Provider).Msg("trying candidate")
		res := s.attempt(ctx, m, req, buffered, emit)

		switch {
		case res.err == nil:
			for _, ev := range res.buffered {
				if !emit(ev) {
					return parent.Err()
				}
			}
			emit(orchestrator.StreamEvent{Type: orchestrator.EventUsage, Usage: res.usage, Model: m.ID})
			if s.meter != nil {
				s.meter.Record(ctx, req.UserID, m, res.usage)
			}
			log.Info().Str("model", m.ID).Int("input_tokens", res.usage.InputTokens).
				Int("output_tokens", res.usage.OutputTokens).Msg("request served")
			return nil

		case res.committed():
			log.Warn().Err(res.err).Str("model", m.ID).Msg("candidate failed after output started")
			emit(orchestrator.StreamEvent{
				Type:  orchestrator.EventNotice,
				Text:  "\n\n[Error: " + shortError(res.err) + "]",
				Model: m.ID,
			})
			return nil

		case res.fallbackable():
			if parent.Err() != nil {
				return parent.Err()
			}
			lastErr = res.err
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
			}
			metrics.Fallbacks.WithLabelValues(m.ID).Inc()
			log.Warn().Err(res.err).Str("model", m.ID).Msg("candidate failed, falling back")
		}
	}
	return fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

// attempt holds the provider's admission slot for the whole candidate,
// rotating keys across rate-limit retries.
func (s *RouterService) attempt(ctx context.Context, m registry.ModelDef, req orchestrator.Request, buffered bool, emit func(orchestrator.StreamEvent) bool) (res attemptResult) {
	started := time.Now()
	defer func() {
		metrics.UpstreamAttempts.WithLabelValues(m.ID, m.Provider, res.outcome()).Inc()
		metrics.UpstreamDuration.WithLabelValues(m.ID).Observe(time.Since(started).Seconds())
	}()

	adapter, ok := s.adapters[m.Protocol]
	if !ok {
		res.err = fmt.Errorf("no adapter for protocol %q", m.Protocol)
		return res
	}

	release, err := s.queues.Acquire(ctx, m.Provider)
	metrics.QueueWait.WithLabelValues(m.Provider).Observe(time.Since(started).Seconds())
	if err != nil {
		res.err = err
		return res
	}
	defer release()

	call := Call{
		Model:               m,
		Messages:            req.Messages,
		Tools:               req.Tools,
		MaxCompletionTokens: req.MaxCompletionTokens,
		StreamOptions:       req.StreamOptions,
	}
	for try := 0; ; try++ {
		key, ok := s.keys.Next(m.KeyEnv)
		if !ok {
			res.err = fmt.Errorf("no api key for %s", m.KeyEnv)
			return res
		}
		call.APIKey = key
		res.err = nil
		res.buffered = nil
		s.streamOnce(ctx, adapter, call, buffered, emit, &res)

		var rl *RateLimitError
		if !errors.As(res.err, &rl) {
			return res
		}
		s.keys.MarkCooldown(m.KeyEnv, key, rl.RetryAfter)
		metrics.KeyCooldowns.WithLabelValues(m.Provider).Inc()
		s.log.Info().Str("model", m.ID).Str("key", keypool.Mask(key)).Dur("retry_after", rl.RetryAfter).
			Int("attempt", try+1).Msg("rate limited, rotating key")
		if res.emitted || try >= s.cfg.MaxRetries {
			return res
		}
		if err := sleepCtx(ctx, s.cfg.RetryDelay); err != nil {
			res.err = err
			return res
		}
	}
}

func (s *RouterService) streamOnce(ctx context.Context, adapter Adapter, call Call, buffered bool, emit func(orchestrator.StreamEvent) bool, res *attemptResult) {
	events, errs := adapter.Stream(ctx, call)
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ev.Model = call.Model.ID
			if ev.Type == orchestrator.EventUsage {
				res.usage = ev.Usage
				continue
			}
			if !ev.IsContent() {
				continue
			}
			if buffered {
				res.buffered = append(res.buffered, ev)
				continue
			}
			if !emit(ev) {
				res.err = ctx.Err()
				if res.err == nil {
					res.err = context.Canceled
				}
				return
			}
			res.emitted = true
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			res.err = err
		case <-ctx.Done():
			res.err = ctx.Err()
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reports live queue and key pool state.
func (s *RouterService) Snapshot() map[string]any {
	return map[string]any{
		"queues":    s.queues.Snapshot(),
		"key_pools": s.keys.Snapshot(),
	}
}

// Registry exposes the catalog the service routes over.
func (s *RouterService) Registry() *registry.Registry { return s.registry }

// Keys exposes the shared key pools for availability checks.
func (s *RouterService) Keys() *keypool.Manager { return s.keys }
