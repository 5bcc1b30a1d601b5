package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

type fakeStats struct {
	mu    sync.Mutex
	stats model.TransportStats
	err   error
}

func (f *fakeStats) Stats(context.Context) (model.TransportStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.err
}

func (f *fakeStats) set(stats model.TransportStats, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
	f.err = err
}

func newTestMonitor(stats *fakeStats) *Monitor {
	logger := zerolog.Nop()
	return NewMonitor(Config{
		Logger:   &logger,
		Stats:    stats,
		Interval: 5 * time.Millisecond,
	})
}

func TestClassifyTiers(t *testing.T) {
	tests := []struct {
		name  string
		stats model.TransportStats
		want  model.QualityTier
	}{
		{"clean link", model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 40, PacketLossPct: 0.1}, model.TierExcellent},
		{"elevated latency", model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 150, PacketLossPct: 0.1}, model.TierGood},
		{"lossy", model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 40, PacketLossPct: 5}, model.TierFair},
		{"saturated", model.TransportStats{UploadKbps: 100, DownloadKbps: 5000, LatencyMs: 40, PacketLossPct: 0.1}, model.TierPoor},
		{"high latency", model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 600, PacketLossPct: 0.1}, model.TierPoor},
		{"worst dimension wins", model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 150, PacketLossPct: 9}, model.TierPoor},
		{"no bandwidth reading", model.TransportStats{LatencyMs: 40, PacketLossPct: 0.1}, model.TierExcellent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.stats))
		})
	}
}

func TestMonitorUnknownUntilFirstSample(t *testing.T) {
	m := newTestMonitor(&fakeStats{})
	assert.Equal(t, model.TierUnknown, m.Sample().Tier)
}

func TestMonitorKeepsLatestSample(t *testing.T) {
	stats := &fakeStats{}
	stats.set(model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 40}, nil)
	m := newTestMonitor(stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.Sample().Tier == model.TierExcellent
	}, 2*time.Second, 5*time.Millisecond)

	stats.set(model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 600}, nil)
	require.Eventually(t, func() bool {
		return m.Sample().Tier == model.TierPoor
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitorSkipsFailedTicks(t *testing.T) {
	stats := &fakeStats{}
	stats.set(model.TransportStats{UploadKbps: 3000, DownloadKbps: 5000, LatencyMs: 40}, nil)
	m := newTestMonitor(stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.Sample().Tier == model.TierExcellent
	}, 2*time.Second, 5*time.Millisecond)
	good := m.Sample()

	stats.set(model.TransportStats{}, errors.New("stats endpoint gone"))
	time.Sleep(50 * time.Millisecond)

	// failed fetches leave the last sample in place, no cascade
	assert.Equal(t, good.Tier, m.Sample().Tier)
	assert.Equal(t, good.LatencyMs, m.Sample().LatencyMs)
}
