package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedProber struct {
	mu           sync.Mutex
	measurements []domain.BandwidthMeasurement
	idx          int
	err          error
}

func (p *scriptedProber) Probe(ctx context.Context) (domain.BandwidthMeasurement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return domain.BandwidthMeasurement{}, p.err
	}
	if p.idx >= len(p.measurements) {
		return p.measurements[len(p.measurements)-1], nil
	}
	m := p.measurements[p.idx]
	p.idx++
	return m, nil
}

func measurement(downloadBps int64, latency time.Duration) domain.BandwidthMeasurement {
	return domain.BandwidthMeasurement{
		DownloadBps: downloadBps,
		UploadBps:   downloadBps / 4,
		Latency:     latency,
		Timestamp:   time.Now(),
	}
}

func newTestOptimizer(prober BandwidthProber) *OptimizerService {
	return NewOptimizerService(DefaultOptimizerConfig(), prober, zap.NewNop().Sugar())
}

func drainOptimizerEvents(o *OptimizerService) []ports.OptimizerEvent {
	var out []ports.OptimizerEvent
	for {
		select {
		case ev := <-o.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestAdaptQualityScalesWithBandwidth(t *testing.T) {
	o := newTestOptimizer(nil)

	settings := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 5_000_000,
		Latency:      30 * time.Millisecond,
		Stable:       true,
	})

	// 80% of bandwidth, full framerate, 1080p tier.
	assert.Equal(t, int64(4_000_000), settings.Video.BitrateBps)
	assert.Equal(t, 30, settings.Video.FPS)
	assert.Equal(t, 1080, settings.Video.Height)
	assert.Equal(t, 2, settings.Audio.Channels)
}

func TestAdaptQualityEnforcesBitrateFloor(t *testing.T) {
	o := newTestOptimizer(nil)

	settings := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 400_000,
		Latency:      30 * time.Millisecond,
		Stable:       true,
	})

	assert.Equal(t, int64(500_000), settings.Video.BitrateBps)
	assert.Equal(t, 480, settings.Video.Height)
	assert.Equal(t, 1, settings.Audio.Channels, "mono audio below 500 kbps bandwidth")
}

func TestAdaptQualityLatencyPenalties(t *testing.T) {
	cases := []struct {
		name    string
		latency time.Duration
		fps     int
		bitrate int64
	}{
		{"low latency", 50 * time.Millisecond, 30, 4_000_000},
		{"moderate latency", 120 * time.Millisecond, 27, 3_600_000},
		{"high latency", 200 * time.Millisecond, 22, 3_200_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOptimizer(nil)
			settings := o.AdaptQuality(domain.NetworkConditions{
				BandwidthBps: 5_000_000,
				Latency:      tc.latency,
				Stable:       true,
			})
			assert.Equal(t, tc.fps, settings.Video.FPS)
			assert.Equal(t, tc.bitrate, settings.Video.BitrateBps)
		})
	}
}

func TestAdaptQualityPacketLossPenalty(t *testing.T) {
	o := newTestOptimizer(nil)

	settings := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 5_000_000,
		Latency:      30 * time.Millisecond,
		PacketLoss:   0.05,
		Stable:       true,
	})

	// 5 Mbps * 0.8 * 0.7 loss penalty.
	assert.Equal(t, int64(2_800_000), settings.Video.BitrateBps)
}

func TestAdaptQualityInstabilityPenalty(t *testing.T) {
	o := newTestOptimizer(nil)

	settings := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 5_000_000,
		Latency:      30 * time.Millisecond,
		Stable:       false,
	})

	// 5 Mbps * 0.8 * 0.8 instability penalty.
	assert.Equal(t, int64(3_200_000), settings.Video.BitrateBps)
}

func TestAdaptQualityHysteresisSuppressesSmallChanges(t *testing.T) {
	o := newTestOptimizer(nil)

	first := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 5_000_000,
		Latency:      30 * time.Millisecond,
		Stable:       true,
	})
	drainOptimizerEvents(o)

	// 10% bandwidth change is inside the 20% hysteresis band.
	second := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 4_500_000,
		Latency:      30 * time.Millisecond,
		Stable:       true,
	})

	assert.Equal(t, first, second, "settings unchanged inside hysteresis")
	assert.Empty(t, drainOptimizerEvents(o), "no event for suppressed change")

	// A 60% drop exceeds it and commits.
	third := o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 2_000_000,
		Latency:      30 * time.Millisecond,
		Stable:       true,
	})
	assert.NotEqual(t, first.Video.BitrateBps, third.Video.BitrateBps)

	events := drainOptimizerEvents(o)
	require.Len(t, events, 1)
	assert.Equal(t, ports.OptimizerQualityChanged, events[0].Kind)
}

func TestAdaptQualityIsIdempotentForSameConditions(t *testing.T) {
	o := newTestOptimizer(nil)
	cond := domain.NetworkConditions{
		BandwidthBps: 3_000_000,
		Latency:      40 * time.Millisecond,
		Stable:       true,
	}

	first := o.AdaptQuality(cond)
	drainOptimizerEvents(o)
	second := o.AdaptQuality(cond)

	assert.Equal(t, first, second)
	assert.Empty(t, drainOptimizerEvents(o))
}

func TestTickPublishesSingleEventPerAdaptation(t *testing.T) {
	prober := &scriptedProber{measurements: []domain.BandwidthMeasurement{
		measurement(8_000_000, 30*time.Millisecond),
	}}
	o := newTestOptimizer(prober)
	drainOptimizerEvents(o)

	o.tick(context.Background())

	events := drainOptimizerEvents(o)
	require.Len(t, events, 1, "one tick publishes exactly one event")
	assert.Equal(t, ports.OptimizerQualityChanged, events[0].Kind)
}

func TestHandleCongestionDowngradesAggressively(t *testing.T) {
	o := newTestOptimizer(nil)
	o.UpdateQualitySettings(domain.QualitySettings{
		Video: domain.VideoSettings{FPS: 30, BitrateBps: 4_000_000, Width: 1920, Height: 1080},
		Audio: domain.AudioSettings{BitrateBps: 128_000, SampleRate: 48_000, Channels: 2},
	})
	drainOptimizerEvents(o)

	settings := o.HandleCongestion()

	assert.Equal(t, 15, settings.Video.FPS)
	assert.Equal(t, int64(1_200_000), settings.Video.BitrateBps)
	assert.Equal(t, 720, settings.Video.Height)
	assert.Equal(t, 1, settings.Audio.Channels)

	// Repeated congestion keeps hitting the floors instead of going to zero.
	settings = o.HandleCongestion()
	settings = o.HandleCongestion()
	assert.Equal(t, 15, settings.Video.FPS)
	assert.Equal(t, int64(500_000), settings.Video.BitrateBps)
}

func TestMeasureConditionsReportsStability(t *testing.T) {
	prober := &scriptedProber{measurements: []domain.BandwidthMeasurement{
		measurement(5_000_000, 30*time.Millisecond),
		measurement(5_100_000, 32*time.Millisecond),
		measurement(4_900_000, 31*time.Millisecond),
	}}
	o := newTestOptimizer(prober)
	ctx := context.Background()

	// Fewer than three samples: unknown, reported unstable.
	cond, err := o.MeasureConditions(ctx)
	require.NoError(t, err)
	assert.False(t, cond.Stable)

	_, err = o.MeasureBandwidth(ctx)
	require.NoError(t, err)
	cond, err = o.MeasureConditions(ctx)
	require.NoError(t, err)
	assert.True(t, cond.Stable, "last three samples within 20% of their mean")
}

func TestMeasureConditionsDetectsInstability(t *testing.T) {
	prober := &scriptedProber{measurements: []domain.BandwidthMeasurement{
		measurement(5_000_000, 30*time.Millisecond),
		measurement(1_000_000, 80*time.Millisecond),
		measurement(6_000_000, 20*time.Millisecond),
	}}
	o := newTestOptimizer(prober)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := o.MeasureBandwidth(ctx)
		require.NoError(t, err)
	}
	cond, err := o.MeasureConditions(ctx)
	require.NoError(t, err)
	assert.False(t, cond.Stable)
	assert.NotZero(t, cond.Jitter, "latency spread shows up as jitter")
}

func TestMeasureBandwidthFallsBackToCachedEstimate(t *testing.T) {
	prober := &scriptedProber{measurements: []domain.BandwidthMeasurement{
		measurement(5_000_000, 30*time.Millisecond),
	}}
	o := newTestOptimizer(prober)
	ctx := context.Background()

	first, err := o.MeasureBandwidth(ctx)
	require.NoError(t, err)

	prober.mu.Lock()
	prober.err = fmt.Errorf("probe endpoint unreachable")
	prober.mu.Unlock()

	second, err := o.MeasureBandwidth(ctx)
	require.NoError(t, err, "probe failures never propagate")
	assert.Equal(t, first.DownloadBps, second.DownloadBps)
}

func TestObserveMediaReportFeedsLossEstimate(t *testing.T) {
	prober := &scriptedProber{measurements: []domain.BandwidthMeasurement{
		measurement(5_000_000, 30*time.Millisecond),
	}}
	o := newTestOptimizer(prober)

	o.ObserveMediaReport(domain.MediaReport{PacketLoss: 0.1, Timestamp: time.Now()})
	cond, err := o.MeasureConditions(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.03, cond.PacketLoss, 0.001, "EWMA with alpha 0.3 on first sample")

	// Stale reports stop influencing the estimate.
	o.mu.Lock()
	o.lastLoss = time.Now().Add(-2 * time.Minute)
	o.mu.Unlock()
	cond, err = o.MeasureConditions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cond.PacketLoss)
}

func TestResetToDefaultsRestoresBaseline(t *testing.T) {
	o := newTestOptimizer(nil)

	o.AdaptQuality(domain.NetworkConditions{
		BandwidthBps: 500_000,
		Latency:      200 * time.Millisecond,
		Stable:       false,
	})
	require.NotEqual(t, defaultQualitySettings(o.config), o.CurrentSettings())

	o.ResetToDefaults()
	assert.Equal(t, defaultQualitySettings(o.config), o.CurrentSettings())
}

func TestUpdateQualitySettingsEmitsEvent(t *testing.T) {
	o := newTestOptimizer(nil)
	override := domain.QualitySettings{
		Video: domain.VideoSettings{FPS: 24, BitrateBps: 1_500_000, Width: 1280, Height: 720},
	}

	o.UpdateQualitySettings(override)

	assert.Equal(t, override, o.CurrentSettings())
	events := drainOptimizerEvents(o)
	require.Len(t, events, 1)
	assert.Equal(t, ports.OptimizerQualityChanged, events[0].Kind)
	assert.Equal(t, override, events[0].Settings)
}
