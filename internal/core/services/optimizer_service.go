package services

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/tracing"

	"go.uber.org/zap"
)

// BandwidthProber runs one down/up/round-trip probe. The production
// implementation talks to a measurement endpoint; the default simulates one.
type BandwidthProber interface {
	Probe(ctx context.Context) (domain.BandwidthMeasurement, error)
}

// OptimizerConfig holds tuning parameters for the network optimizer.
type OptimizerConfig struct {
	MinBitrateBps   int64
	MaxBitrateBps   int64
	Hysteresis      float64
	MeasureInterval time.Duration
	HistorySize     int
}

// DefaultOptimizerConfig returns the baseline optimizer configuration.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MinBitrateBps:   500_000,
		MaxBitrateBps:   8_000_000,
		Hysteresis:      0.2,
		MeasureInterval: 10 * time.Second,
		HistorySize:     10,
	}
}

// OptimizerService measures bandwidth/latency/jitter/loss, keeps a bounded
// rolling history and recomputes target quality settings. Stateless with
// respect to connections: one instance serves all of them.
type OptimizerService struct {
	config OptimizerConfig
	prober BandwidthProber
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	history  []domain.BandwidthMeasurement
	lossEWMA float64
	lastLoss time.Time
	settings domain.QualitySettings
	lastCond *domain.NetworkConditions

	events chan ports.OptimizerEvent
	stop   chan struct{}
	once   sync.Once
}

// NewOptimizerService creates a new network optimizer.
func NewOptimizerService(config OptimizerConfig, prober BandwidthProber, logger *zap.SugaredLogger) *OptimizerService {
	if prober == nil {
		prober = NewSimulatedProber()
	}
	return &OptimizerService{
		config:   config,
		prober:   prober,
		cb:       circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:   logger,
		history:  make([]domain.BandwidthMeasurement, 0, config.HistorySize),
		settings: defaultQualitySettings(config),
		events:   make(chan ports.OptimizerEvent, 16),
		stop:     make(chan struct{}),
	}
}

func defaultQualitySettings(config OptimizerConfig) domain.QualitySettings {
	return domain.QualitySettings{
		Video: domain.VideoSettings{
			FPS:        30,
			BitrateBps: 2_500_000,
			Width:      1280,
			Height:     720,
		},
		Audio: domain.AudioSettings{
			BitrateBps: 128_000,
			SampleRate: 48_000,
			Channels:   2,
		},
		MinBitrateBps: config.MinBitrateBps,
		MaxBitrateBps: config.MaxBitrateBps,
	}
}

// Events returns the optimizer's event stream.
func (o *OptimizerService) Events() <-chan ports.OptimizerEvent {
	return o.events
}

// MeasureBandwidth runs a probe and appends the result to the history.
// Probe failures degrade to the most recent cached measurement and are never
// propagated to the caller.
func (o *OptimizerService) MeasureBandwidth(ctx context.Context) (domain.BandwidthMeasurement, error) {
	defer tracing.MeasureDuration(ctx, time.Now(), "bandwidth_probe")

	var m domain.BandwidthMeasurement
	err := o.cb.Execute(ctx, func() error {
		var probeErr error
		m, probeErr = o.prober.Probe(ctx)
		return probeErr
	})
	if err != nil {
		o.logger.Warnw("bandwidth probe failed, using cached estimate", "error", err)
		o.mu.RLock()
		if n := len(o.history); n > 0 {
			m = o.history[n-1]
		} else {
			m = domain.BandwidthMeasurement{
				DownloadBps: o.settings.Video.BitrateBps + o.settings.Audio.BitrateBps,
				UploadBps:   o.settings.Video.BitrateBps,
				Latency:     50 * time.Millisecond,
				Timestamp:   time.Now(),
			}
		}
		o.mu.RUnlock()
		return m, nil
	}

	o.mu.Lock()
	o.history = append(o.history, m)
	if len(o.history) > o.config.HistorySize {
		o.history = o.history[len(o.history)-o.config.HistorySize:]
	}
	o.mu.Unlock()
	return m, nil
}

// MeasureConditions derives point-in-time network conditions from the latest
// measurement and the rolling history.
func (o *OptimizerService) MeasureConditions(ctx context.Context) (domain.NetworkConditions, error) {
	m, _ := o.MeasureBandwidth(ctx)

	o.mu.RLock()
	defer o.mu.RUnlock()

	cond := domain.NetworkConditions{
		BandwidthBps: m.DownloadBps,
		Latency:      m.Latency,
		PacketLoss:   o.estimatedLossLocked(),
		Jitter:       o.jitterLocked(),
		Medium:       domain.MediumUnknown,
		Stable:       o.stableLocked(),
		Timestamp:    time.Now(),
	}
	return cond, nil
}

// jitterLocked computes the standard deviation of the last 5 latency samples.
func (o *OptimizerService) jitterLocked() time.Duration {
	n := len(o.history)
	if n < 2 {
		return 0
	}
	start := n - 5
	if start < 0 {
		start = 0
	}
	samples := o.history[start:]

	var sum float64
	for _, s := range samples {
		sum += float64(s.Latency)
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s.Latency) - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return time.Duration(math.Sqrt(variance))
}

// stableLocked reports whether the last 3 bandwidth samples vary by under
// 20% from their mean.
func (o *OptimizerService) stableLocked() bool {
	n := len(o.history)
	if n < 3 {
		return false
	}
	samples := o.history[n-3:]

	var sum float64
	for _, s := range samples {
		sum += float64(s.DownloadBps)
	}
	mean := sum / 3
	if mean == 0 {
		return false
	}
	for _, s := range samples {
		if math.Abs(float64(s.DownloadBps)-mean)/mean > 0.2 {
			return false
		}
	}
	return true
}

func (o *OptimizerService) estimatedLossLocked() float64 {
	// Loss reports older than a minute are no longer representative.
	if time.Since(o.lastLoss) > time.Minute {
		return 0
	}
	return o.lossEWMA
}

// ObserveMediaReport folds transport feedback (RTCP receiver reports) into
// the loss estimate.
func (o *OptimizerService) ObserveMediaReport(report domain.MediaReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	const alpha = 0.3
	o.lossEWMA = alpha*report.PacketLoss + (1-alpha)*o.lossEWMA
	o.lastLoss = report.Timestamp
	if o.lastLoss.IsZero() {
		o.lastLoss = time.Now()
	}
}

// AdaptQuality computes target settings from measured conditions. The new
// settings are committed, and a quality-changed event emitted, only when the
// bitrate or fps delta exceeds the hysteresis threshold.
func (o *OptimizerService) AdaptQuality(cond domain.NetworkConditions) domain.QualitySettings {
	o.mu.Lock()
	defer o.mu.Unlock()

	fps := 30
	bitrate := int64(float64(cond.BandwidthBps) * 0.8)

	switch {
	case cond.Latency > 150*time.Millisecond:
		fps = int(float64(fps) * 0.75)
		bitrate = int64(float64(bitrate) * 0.8)
	case cond.Latency > 100*time.Millisecond:
		fps = int(float64(fps) * 0.9)
		bitrate = int64(float64(bitrate) * 0.9)
	}

	if cond.PacketLoss > 0.02 {
		bitrate = int64(float64(bitrate) * 0.7)
	}
	if !cond.Stable {
		bitrate = int64(float64(bitrate) * 0.8)
	}

	if bitrate < o.config.MinBitrateBps {
		bitrate = o.config.MinBitrateBps
	}
	if bitrate > o.config.MaxBitrateBps {
		bitrate = o.config.MaxBitrateBps
	}

	width, height := resolutionFor(bitrate)

	audio := domain.AudioSettings{SampleRate: 48_000}
	switch {
	case cond.BandwidthBps >= 1_000_000:
		audio.BitrateBps = 128_000
		audio.Channels = 2
	case cond.BandwidthBps >= 500_000:
		audio.BitrateBps = 96_000
		audio.Channels = 2
	default:
		audio.BitrateBps = 64_000
		audio.Channels = 1
	}

	proposed := domain.QualitySettings{
		Video: domain.VideoSettings{
			FPS:        fps,
			BitrateBps: bitrate,
			Width:      width,
			Height:     height,
		},
		Audio:         audio,
		MinBitrateBps: o.config.MinBitrateBps,
		MaxBitrateBps: o.config.MaxBitrateBps,
	}

	if !o.exceedsHysteresisLocked(proposed) {
		return o.settings
	}

	o.settings = proposed
	o.emit(ports.OptimizerEvent{
		Kind:       ports.OptimizerQualityChanged,
		Conditions: cond,
		Settings:   proposed,
	})
	o.logger.Infow("quality settings adapted",
		"video_bitrate", proposed.Video.BitrateBps,
		"fps", proposed.Video.FPS,
		"resolution", proposed.Video.Height,
		"audio_bitrate", proposed.Audio.BitrateBps,
		"bandwidth", cond.BandwidthBps,
		"packet_loss", cond.PacketLoss,
	)
	return proposed
}

func resolutionFor(bitrate int64) (int, int) {
	switch {
	case bitrate >= 2_000_000:
		return 1920, 1080
	case bitrate >= 1_000_000:
		return 1280, 720
	default:
		return 848, 480
	}
}

func (o *OptimizerService) exceedsHysteresisLocked(proposed domain.QualitySettings) bool {
	cur := o.settings
	if cur.Video.BitrateBps == 0 || cur.Video.FPS == 0 {
		return true
	}
	bitrateDelta := math.Abs(float64(proposed.Video.BitrateBps-cur.Video.BitrateBps)) / float64(cur.Video.BitrateBps)
	fpsDelta := math.Abs(float64(proposed.Video.FPS-cur.Video.FPS)) / float64(cur.Video.FPS)
	return bitrateDelta > o.config.Hysteresis || fpsDelta > o.config.Hysteresis
}

// HandleCongestion is the aggressive downgrade path for acute congestion
// detected outside the normal polling cadence.
func (o *OptimizerService) HandleCongestion() domain.QualitySettings {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.settings
	s.Video.FPS = s.Video.FPS / 2
	if s.Video.FPS < 15 {
		s.Video.FPS = 15
	}
	s.Video.BitrateBps = int64(float64(s.Video.BitrateBps) * 0.3)
	if s.Video.BitrateBps < o.config.MinBitrateBps {
		s.Video.BitrateBps = o.config.MinBitrateBps
	}
	s.Video.Width, s.Video.Height = resolutionFor(s.Video.BitrateBps)
	s.Audio.Channels = 1

	o.settings = s
	o.emit(ports.OptimizerEvent{Kind: ports.OptimizerQualityChanged, Settings: s})
	o.logger.Warnw("congestion downgrade applied",
		"video_bitrate", s.Video.BitrateBps,
		"fps", s.Video.FPS,
	)
	return s
}

// UpdateQualitySettings overrides the current settings manually.
func (o *OptimizerService) UpdateQualitySettings(settings domain.QualitySettings) {
	o.mu.Lock()
	o.settings = settings
	o.mu.Unlock()
	o.emit(ports.OptimizerEvent{Kind: ports.OptimizerQualityChanged, Settings: settings})
}

// CurrentSettings returns the committed quality settings.
func (o *OptimizerService) CurrentSettings() domain.QualitySettings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// ResetToDefaults clears the measurement history and restores baseline
// settings.
func (o *OptimizerService) ResetToDefaults() {
	o.mu.Lock()
	o.history = o.history[:0]
	o.lossEWMA = 0
	o.lastCond = nil
	o.settings = defaultQualitySettings(o.config)
	o.mu.Unlock()
}

// Start runs the background measurement tick.
func (o *OptimizerService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.config.MeasureInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				o.tick(ctx)
			}
		}
	}()
}

// Stop halts the background tick. Safe to call more than once.
func (o *OptimizerService) Stop() {
	o.once.Do(func() { close(o.stop) })
}

func (o *OptimizerService) tick(ctx context.Context) {
	cond, err := o.MeasureConditions(ctx)
	if err != nil {
		o.logger.Warnw("condition measurement failed", "error", err)
		return
	}

	o.mu.Lock()
	changed := o.lastCond == nil || conditionsDelta(*o.lastCond, cond) > o.config.Hysteresis
	if changed {
		c := cond
		o.lastCond = &c
	}
	o.mu.Unlock()

	if !changed {
		return
	}

	// AdaptQuality emits quality-changed when it commits; only announce a
	// bare conditions change when it did not, so each tick publishes exactly
	// one event.
	prev := o.CurrentSettings()
	settings := o.AdaptQuality(cond)
	if settings == prev {
		o.emit(ports.OptimizerEvent{
			Kind:       ports.OptimizerConditionsChanged,
			Conditions: cond,
			Settings:   settings,
		})
	}
}

func conditionsDelta(prev, cur domain.NetworkConditions) float64 {
	if prev.BandwidthBps == 0 {
		return 1
	}
	delta := math.Abs(float64(cur.BandwidthBps-prev.BandwidthBps)) / float64(prev.BandwidthBps)
	if prev.Stable != cur.Stable {
		return 1
	}
	return delta
}

func (o *OptimizerService) emit(ev ports.OptimizerEvent) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warnw("optimizer event dropped, consumer too slow", "kind", ev.Kind)
	}
}

// SimulatedProber produces plausible measurements without network I/O.
type SimulatedProber struct {
	mu       sync.Mutex
	baseline int64
	rng      *rand.Rand
}

// NewSimulatedProber creates a prober centered on a 5 Mbps downlink.
func NewSimulatedProber() *SimulatedProber {
	return &SimulatedProber{
		baseline: 5_000_000,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *SimulatedProber) Probe(ctx context.Context) (domain.BandwidthMeasurement, error) {
	if err := ctx.Err(); err != nil {
		return domain.BandwidthMeasurement{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	vary := func(base int64) int64 {
		return base + int64(p.rng.Float64()*0.2*float64(base)) - int64(0.1*float64(base))
	}
	return domain.BandwidthMeasurement{
		DownloadBps: vary(p.baseline),
		UploadBps:   vary(p.baseline / 4),
		Latency:     time.Duration(20+p.rng.Intn(40)) * time.Millisecond,
		Jitter:      time.Duration(p.rng.Intn(10)) * time.Millisecond,
		Timestamp:   start,
		Duration:    time.Since(start),
	}, nil
}
