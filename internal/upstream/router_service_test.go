package upstream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OverClawApp/releases-sub001/internal/keypool"
	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/ratelimit"
	"github.com/OverClawApp/releases-sub001/internal/registry"
	"github.com/OverClawApp/releases-sub001/internal/upstream"
)

type script func(ctx context.Context, call upstream.Call, emit func(orchestrator.StreamEvent) error) error

// scriptedAdapter plays a per-model script and records every call.
type scriptedAdapter struct {
	mu      sync.Mutex
	scripts map[string][]script
	calls   []upstream.Call
}

func (a *scriptedAdapter) Protocol() registry.Protocol { return registry.ProtocolOpenAI }

func (a *scriptedAdapter) Stream(ctx context.Context, call upstream.Call) (<-chan orchestrator.StreamEvent, <-chan error) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	steps := a.scripts[call.Model.ID]
	var run script = fail(errors.New("unscripted call"))
	if len(steps) > 0 {
		run = steps[0]
		if len(steps) > 1 {
			a.scripts[call.Model.ID] = steps[1:]
		}
	}
	a.mu.Unlock()

	events := make(chan orchestrator.StreamEvent, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		err := run(ctx, call, func(ev orchestrator.StreamEvent) error {
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

func (a *scriptedAdapter) callsTo() ([]string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var models, keys []string
	for _, c := range a.calls {
		models = append(models, c.Model.ID)
		keys = append(keys, c.APIKey)
	}
	return models, keys
}

func reply(text string, in, out int) script {
	return func(_ context.Context, _ upstream.Call, emit func(orchestrator.StreamEvent) error) error {
		if err := emit(orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: text}); err != nil {
			return err
		}
		return emit(orchestrator.StreamEvent{Type: orchestrator.EventUsage, Usage: orchestrator.Usage{InputTokens: in, OutputTokens: out}})
	}
}

func fail(err error) script {
	return func(context.Context, upstream.Call, func(orchestrator.StreamEvent) error) error { return err }
}

func partialThenFail(text string, err error) script {
	return func(_ context.Context, _ upstream.Call, emit func(orchestrator.StreamEvent) error) error {
		if e := emit(orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: text}); e != nil {
			return e
		}
		return err
	}
}

func block() script {
	return func(ctx context.Context, _ upstream.Call, _ func(orchestrator.StreamEvent) error) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func rateLimited() script {
	return fail(&upstream.RateLimitError{Provider: "pa"})
}

type recordedUsage struct {
	userID string
	model  string
	usage  orchestrator.Usage
}

type fakeMeter struct {
	mu      sync.Mutex
	records []recordedUsage
}

func (m *fakeMeter) Record(_ context.Context, userID string, model registry.ModelDef, usage orchestrator.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recordedUsage{userID: userID, model: model.ID, usage: usage})
}

func (m *fakeMeter) all() []recordedUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedUsage(nil), m.records...)
}

type routerFixture struct {
	svc     *upstream.RouterService
	adapter *scriptedAdapter
	meter   *fakeMeter
	keys    *keypool.Manager
	queues  *ratelimit.QueueManager
}

func newRouterFixture(t *testing.T, env map[string]string, cfg upstream.RouterConfig, scripts map[string][]script) *routerFixture {
	t.Helper()
	model := func(id, provider string) registry.ModelDef {
		return registry.ModelDef{
			ID: id, Provider: provider, Protocol: registry.ProtocolOpenAI,
			BaseURL: "http://upstream.invalid", KeyEnv: id + "_KEY",
			CostPer1KInput: 1, CostPer1KOutput: 2,
		}
	}
	reg, err := registry.New(
		[]registry.ModelDef{model("A", "pa"), model("B", "pb"), model("C", "pc")},
		map[registry.TaskCategory][]string{registry.CategoryChat: {"A", "B", "C"}},
	)
	require.NoError(t, err)

	keys := keypool.NewManager(keypool.Options{Lookup: func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}})
	queues := ratelimit.NewQueueManager(ratelimit.QueueOptions{
		Timeout:  time.Second,
		KeyCount: func(string) int { return 1 },
	})
	adapter := &scriptedAdapter{scripts: scripts}
	meter := &fakeMeter{}
	svc := upstream.NewRouterService(reg, keys, queues, []upstream.Adapter{adapter}, meter, cfg, zerolog.Nop())
	return &routerFixture{svc: svc, adapter: adapter, meter: meter, keys: keys, queues: queues}
}

var allKeys = map[string]string{"A_KEY": "a1", "A_KEY_2": "a2", "B_KEY": "b1", "C_KEY": "c1"}

func chatRequest() orchestrator.Request {
	return orchestrator.Request{
		RunID:    "run-1",
		UserID:   "user-1",
		Category: registry.CategoryChat,
		Messages: []orchestrator.Message{{Role: "user", Content: "hello"}},
	}
}

func assertQueuesIdle(t *testing.T, q *ratelimit.QueueManager) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, st := range q.Snapshot() {
			if st.Active != 0 || st.Waiting != 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestRouterService_FallsBackBeforeFirstByte(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{}, map[string][]script{
		"A": {fail(&upstream.ProviderError{Provider: "pa", Status: 500, Body: "boom"})},
		"B": {reply("from B", 12, 3)},
	})

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.NoError(t, err)

	assert.Equal(t, "from B", textOf(events))
	last := events[len(events)-1]
	assert.Equal(t, orchestrator.EventUsage, last.Type)
	assert.Equal(t, "B", last.Model)
	assert.Equal(t, orchestrator.Usage{InputTokens: 12, OutputTokens: 3}, last.Usage)

	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"A", "B"}, models)
	assert.Equal(t, []recordedUsage{{userID: "user-1", model: "B", usage: orchestrator.Usage{InputTokens: 12, OutputTokens: 3}}}, f.meter.all())
	assertQueuesIdle(t, f.queues)
}

func TestRouterService_MidStreamFailureAppendsNotice(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{}, map[string][]script{
		"A": {partialThenFail("partial", &upstream.ProviderError{Provider: "pa", Body: "connection reset"})},
		"B": {reply("never", 1, 1)},
	})

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, orchestrator.EventTextDelta, events[0].Type)
	assert.Equal(t, "partial", events[0].Text)
	assert.Equal(t, orchestrator.EventNotice, events[1].Type)
	assert.Contains(t, events[1].Text, "\n\n[Error: ")
	assert.Contains(t, events[1].Text, "connection reset")

	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"A"}, models)
	assert.Empty(t, f.meter.all())
	assertQueuesIdle(t, f.queues)
}

func TestRouterService_RateLimitRotatesKey(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{MaxRetries: 2}, map[string][]script{
		"A": {rateLimited(), reply("ok", 1, 1)},
	})

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.NoError(t, err)
	assert.Equal(t, "ok", textOf(events))

	models, keys := f.adapter.callsTo()
	assert.Equal(t, []string{"A", "A"}, models)
	assert.Equal(t, []string{"a1", "a2"}, keys)
	assert.Equal(t, keypool.PoolStatus{Keys: 2, Cooling: 1}, f.keys.Snapshot()["A_KEY"])
}

func TestRouterService_RetriesExhaustedThenFallsBack(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{MaxRetries: 2}, map[string][]script{
		"A": {rateLimited()},
		"B": {reply("from B", 1, 1)},
	})

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.NoError(t, err)
	assert.Equal(t, "from B", textOf(events))

	models, keys := f.adapter.callsTo()
	assert.Equal(t, []string{"A", "A", "A", "B"}, models)
	assert.Equal(t, []string{"a1", "a2", "a1", "b1"}, keys)
}

func TestRouterService_SkipsModelsWithoutKeys(t *testing.T) {
	f := newRouterFixture(t, map[string]string{"C_KEY": "c1"}, upstream.RouterConfig{}, map[string][]script{
		"C": {reply("from C", 1, 1)},
	})

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.NoError(t, err)
	assert.Equal(t, "from C", textOf(events))
	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"C"}, models)
}

func TestRouterService_AllModelsFailed(t *testing.T) {
	boom := &upstream.ProviderError{Provider: "p", Status: 502, Body: "bad gateway"}
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{}, map[string][]script{
		"A": {fail(boom)},
		"B": {fail(boom)},
		"C": {fail(boom)},
	})

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	assert.Empty(t, events)
	require.ErrorIs(t, err, upstream.ErrAllModelsFailed)
	assert.Contains(t, err.Error(), "bad gateway")

	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"A", "B", "C"}, models)
	assert.Empty(t, f.meter.all())
	assertQueuesIdle(t, f.queues)
}

func TestRouterService_NoAvailableModel(t *testing.T) {
	f := newRouterFixture(t, map[string]string{}, upstream.RouterConfig{}, nil)

	_, err := f.svc.Complete(context.Background(), chatRequest())
	require.ErrorIs(t, err, upstream.ErrNoAvailableModel)

	_, err = collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.ErrorIs(t, err, upstream.ErrNoAvailableModel)
}

func TestRouterService_CompleteFallsBackAfterPartialOutput(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{}, map[string][]script{
		"A": {partialThenFail("half an ans", errors.New("stream cut"))},
		"B": {reply("complete answer", 5, 7)},
	})

	resp, err := f.svc.Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "complete answer", resp.Text)
	assert.Equal(t, "B", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, orchestrator.Usage{InputTokens: 5, OutputTokens: 7}, resp.Usage)
	require.Len(t, f.meter.all(), 1)
}

func TestRouterService_ClientCancelReleasesSlot(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{}, map[string][]script{
		"A": {block()},
		"B": {reply("never", 1, 1)},
	})

	ctx, cancel := context.WithCancel(context.Background())
	events, errs := f.svc.Stream(ctx, chatRequest())
	require.Eventually(t, func() bool {
		models, _ := f.adapter.callsTo()
		return len(models) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.queues.Snapshot()["pa"].Active)

	cancel()
	_, err := collect(t)(events, errs)
	require.ErrorIs(t, err, context.Canceled)

	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"A"}, models)
	assertQueuesIdle(t, f.queues)
}

func TestRouterService_RequestTimeoutStopsChain(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{RequestTimeout: 50 * time.Millisecond}, map[string][]script{
		"A": {block()},
		"B": {reply("never", 1, 1)},
	})

	_, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.ErrorIs(t, err, upstream.ErrAllModelsFailed)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())

	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"A"}, models)
	assertQueuesIdle(t, f.queues)
}

func TestRouterService_QueueTimeoutFallsBack(t *testing.T) {
	f := newRouterFixture(t, allKeys, upstream.RouterConfig{}, map[string][]script{
		"B": {reply("from B", 1, 1)},
	})
	// Fill provider pa to its limit of three so A cannot be admitted.
	var releases []func()
	for i := 0; i < 3; i++ {
		release, err := f.queues.Acquire(context.Background(), "pa")
		require.NoError(t, err)
		releases = append(releases, release)
	}
	defer func() {
		for _, r := range releases {
			r()
		}
	}()

	events, err := collect(t)(f.svc.Stream(context.Background(), chatRequest()))
	require.NoError(t, err)
	assert.Equal(t, "from B", textOf(events))
	models, _ := f.adapter.callsTo()
	assert.Equal(t, []string{"B"}, models)
}
