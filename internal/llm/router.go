package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/metrics"
)

const ewmaAlpha = 0.3

// ProviderStats tracks a provider's recent behavior for routing decisions
type ProviderStats struct {
	Requests    int64   `json:"requests"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"` // EWMA, 1.0 until first failure
	AvgLatency  float64 `json:"avg_latency"`  // EWMA, seconds
}

// Score ranks a provider: fast reliable providers score highest
func (s ProviderStats) Score() float64 {
	return s.SuccessRate / (1.0 + s.AvgLatency)
}

// Router fans a chat request out to the best-scoring provider, failing
// over to the next one on transient errors.
type Router struct {
	logger  *zap.Logger
	clients []Client

	mu    sync.RWMutex
	stats map[string]*ProviderStats
}

// NewRouter creates a router over the given providers. Order is the
// initial preference until stats differentiate them.
func NewRouter(clients []Client, logger *zap.Logger) *Router {
	stats := make(map[string]*ProviderStats, len(clients))
	for _, c := range clients {
		stats[c.Name()] = &ProviderStats{SuccessRate: 1.0}
	}
	return &Router{
		logger:  logger.Named("llm-router"),
		clients: clients,
		stats:   stats,
	}
}

// Chat sends the request through the best available provider
func (r *Router) Chat(ctx context.Context, req Request) (*Response, error) {
	ordered := r.ranked()
	if len(ordered) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, client := range ordered {
		start := time.Now()
		resp, err := client.Chat(ctx, req)
		latency := time.Since(start)
		r.observe(client.Name(), latency, err == nil)

		if err == nil {
			metrics.RecordChatRequest(client.Name(), "ok", latency)
			return resp, nil
		}

		metrics.RecordChatRequest(client.Name(), "error", latency)
		lastErr = err

		if !IsTransient(err) {
			r.logger.Warn("Provider failed permanently",
				zap.String("provider", client.Name()),
				zap.Error(err))
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		r.logger.Warn("Provider failed, trying next",
			zap.String("provider", client.Name()),
			zap.Error(err))
	}

	return nil, lastErr
}

// Stats returns a snapshot of per-provider routing statistics
func (r *Router) Stats() map[string]ProviderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ProviderStats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}

// Providers returns the configured provider names in preference order
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for _, c := range r.ranked() {
		names = append(names, c.Name())
	}
	return names
}

// ranked returns clients sorted by descending score. Ties keep the
// configured order, so the first configured provider wins at startup.
func (r *Router) ranked() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]Client, len(r.clients))
	copy(ordered, r.clients)

	// Insertion sort keeps the sort stable over a handful of providers.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			if r.stats[ordered[j].Name()].Score() > r.stats[ordered[j-1].Name()].Score() {
				ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
			} else {
				break
			}
		}
	}
	return ordered
}

func (r *Router) observe(name string, latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[name]
	if !ok {
		return
	}

	s.Requests++
	outcome := 0.0
	if success {
		outcome = 1.0
	} else {
		s.Failures++
	}

	if s.Requests == 1 {
		s.SuccessRate = outcome
		s.AvgLatency = latency.Seconds()
		return
	}
	s.SuccessRate = ewmaAlpha*outcome + (1-ewmaAlpha)*s.SuccessRate
	s.AvgLatency = ewmaAlpha*latency.Seconds() + (1-ewmaAlpha)*s.AvgLatency
}
