package billing

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/OverClawApp/releases-sub001/internal/logging"
	"github.com/OverClawApp/releases-sub001/internal/metrics"
	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/registry"
	"github.com/OverClawApp/releases-sub001/internal/requestctx"
)

// Cost prices a request in cost units from the model's per-1K rates.
func Cost(m registry.ModelDef, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*m.CostPer1KInput + float64(outputTokens)/1000*m.CostPer1KOutput
}

// Charge is the ledger amount for cost. Fractions round up.
func Charge(cost float64) int64 {
	if cost <= 0 {
		return 0
	}
	return int64(math.Ceil(cost))
}

// ModelTotals accumulates served usage for one model since start.
type ModelTotals struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Charged      int64   `json:"charged"`
}

// Meter prices usage and reports it to the ledger in the background. A
// ledger failure never reaches the caller.
type Meter struct {
	ledger  Ledger
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	totals map[string]*ModelTotals
	wg     sync.WaitGroup
}

// NewMeter returns a Meter. A nil ledger only keeps local totals.
func NewMeter(ledger Ledger, reportTimeout time.Duration, log zerolog.Logger) *Meter {
	if reportTimeout <= 0 {
		reportTimeout = 10 * time.Second
	}
	return &Meter{
		ledger:  ledger,
		timeout: reportTimeout,
		log:     log,
		totals:  make(map[string]*ModelTotals),
	}
}

func (m *Meter) Record(ctx context.Context, userID string, model registry.ModelDef, usage orchestrator.Usage) {
	cost := Cost(model, usage.InputTokens, usage.OutputTokens)
	charge := Charge(cost)

	metrics.Tokens.WithLabelValues(model.ID, "input").Add(float64(usage.InputTokens))
	metrics.Tokens.WithLabelValues(model.ID, "output").Add(float64(usage.OutputTokens))
	metrics.CostUnits.WithLabelValues(model.ID).Add(float64(charge))

	m.mu.Lock()
	t, ok := m.totals[model.ID]
	if !ok {
		t = &ModelTotals{Model: model.ID}
		m.totals[model.ID] = t
	}
	t.Requests++
	t.InputTokens += int64(usage.InputTokens)
	t.OutputTokens += int64(usage.OutputTokens)
	t.Cost += cost
	t.Charged += charge
	m.mu.Unlock()

	if m.ledger == nil || userID == "" {
		return
	}
	rec := UsageRecord{
		UserID:        userID,
		Model:         model.ID,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		TokensCharged: charge,
		CreatedAt:     time.Now().UTC(),
	}
	runID := requestctx.RunID(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		reportCtx, cancel := logging.DetachContextWithTimeout(ctx, m.timeout)
		defer cancel()
		if err := m.ledger.Deduct(reportCtx, rec); err != nil {
			metrics.LedgerErrors.WithLabelValues("deduct").Inc()
			m.log.Warn().Err(err).Str("run_id", runID).Str("user_id", userID).Str("model", model.ID).
				Int64("charge", charge).Msg("ledger deduction failed")
			return
		}
		m.log.Debug().Str("run_id", runID).Str("user_id", userID).Str("model", model.ID).Int64("charge", charge).Msg("usage recorded")
	}()
}

// Wait blocks until in-flight ledger reports finish.
func (m *Meter) Wait() {
	m.wg.Wait()
}

// Snapshot returns per-model totals ordered by model id.
func (m *Meter) Snapshot() []ModelTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelTotals, 0, len(m.totals))
	for _, t := range m.totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
