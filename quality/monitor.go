package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

const defaultPollInterval = 2 * time.Second

// StatsProvider is the media adapter's per-call statistics accessor.
type StatsProvider interface {
	Stats(ctx context.Context) (model.TransportStats, error)
}

type Config struct {
	Logger   *zerolog.Logger
	Stats    StatsProvider
	Interval time.Duration
}

// Monitor samples the media transport on a fixed cadence and keeps only
// the latest classified sample. A failed fetch skips the tick.
type Monitor struct {
	logger   zerolog.Logger
	stats    StatsProvider
	interval time.Duration

	mu     sync.RWMutex
	sample model.QualitySample
}

func NewMonitor(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultPollInterval
	}
	return &Monitor{
		logger:   cfg.Logger.With().Str("component", "quality-monitor").Logger(),
		stats:    cfg.Stats,
		interval: interval,
		sample:   model.QualitySample{Tier: model.TierUnknown},
	}
}

// Run polls until the context ends. It never returns an error; sampling
// problems only cost the affected tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
PollLoop:
	for {
		select {
		case <-ctx.Done():
			break PollLoop
		case <-ticker.C:
			m.poll(ctx)
		}
	}
	m.logger.Debug().Msg("monitor stopped")
}

func (m *Monitor) poll(ctx context.Context) {
	stats, err := m.stats.Stats(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("stats fetch failed, skipping tick")
		return
	}
	sample := model.QualitySample{
		Tier:          Classify(stats),
		UploadKbps:    stats.UploadKbps,
		DownloadKbps:  stats.DownloadKbps,
		LatencyMs:     stats.LatencyMs,
		PacketLossPct: stats.PacketLossPct,
		SampledAt:     time.Now(),
	}

	m.mu.Lock()
	prev := m.sample.Tier
	m.sample = sample
	m.mu.Unlock()

	if prev != sample.Tier {
		m.logger.Debug().
			Str("from", string(prev)).
			Str("to", string(sample.Tier)).
			Msg("quality tier changed")
	}
}

// Sample returns the latest sample without blocking. Tier is unknown
// until the first successful poll.
func (m *Monitor) Sample() model.QualitySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample
}

// Classify maps adapter-reported figures to a tier. The worst dimension
// wins.
func Classify(s model.TransportStats) model.QualityTier {
	tier := model.TierExcellent
	worsen := func(t model.QualityTier) {
		if rank(t) > rank(tier) {
			tier = t
		}
	}

	switch {
	case s.LatencyMs > 400:
		worsen(model.TierPoor)
	case s.LatencyMs > 200:
		worsen(model.TierFair)
	case s.LatencyMs > 100:
		worsen(model.TierGood)
	}

	switch {
	case s.PacketLossPct > 8:
		worsen(model.TierPoor)
	case s.PacketLossPct > 3:
		worsen(model.TierFair)
	case s.PacketLossPct > 1:
		worsen(model.TierGood)
	}

	down := s.DownloadKbps
	if s.UploadKbps > 0 && s.UploadKbps < down {
		down = s.UploadKbps
	}
	switch {
	case down > 0 && down < 150:
		worsen(model.TierPoor)
	case down > 0 && down < 500:
		worsen(model.TierFair)
	case down > 0 && down < 1500:
		worsen(model.TierGood)
	}

	return tier
}

func rank(t model.QualityTier) int {
	switch t {
	case model.TierExcellent:
		return 0
	case model.TierGood:
		return 1
	case model.TierFair:
		return 2
	case model.TierPoor:
		return 3
	default:
		return 4
	}
}
