package webrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/optimize"
	"peerlink/pkg/tracing"
	"peerlink/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TransportConfig holds WebRTC transport configuration.
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	StatsInterval time.Duration
}

// transport wraps one peer connection and its channels. The manager owns it;
// callers address it by connection ID only.
type transport struct {
	id     domain.ConnectionID
	device domain.DeviceID
	pc     *webrtc.PeerConnection

	mu                sync.Mutex
	channels          map[string]*webrtc.DataChannel
	tracks            map[domain.TrackID]*webrtc.TrackLocalStaticRTP
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool
	closed            bool

	stats     domain.ConnectionStats
	stopStats chan struct{}
	createdAt time.Time
}

// TransportManager owns one peer-transport object per connection attempt.
type TransportManager struct {
	config TransportConfig

	mu         sync.RWMutex
	transports map[domain.ConnectionID]*transport

	events chan ports.TransportEvent
	logger *zap.SugaredLogger
}

// NewTransportManager creates a new transport manager.
func NewTransportManager(config TransportConfig, logger *zap.SugaredLogger) *TransportManager {
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	return &TransportManager{
		config:     config,
		transports: make(map[domain.ConnectionID]*transport),
		events:     make(chan ports.TransportEvent, 128),
		logger:     logger,
	}
}

// Events returns the manager's event stream. Single consumer.
func (m *TransportManager) Events() <-chan ports.TransportEvent {
	return m.events
}

// CreateConnection allocates a transport with the configured NAT-traversal
// servers and optionally pre-creates the named byte-stream channels.
func (m *TransportManager) CreateConnection(ctx context.Context, deviceID domain.DeviceID, channels []domain.ChannelSpec) (domain.ConnectionID, error) {
	pc, err := m.newPeerConnection()
	if err != nil {
		return "", apperrors.NewTransportCreateFailed(err).WithContext("device_id", string(deviceID))
	}

	id := domain.ConnectionID(utils.GenerateConnectionID())
	t := &transport{
		id:        id,
		device:    deviceID,
		pc:        pc,
		channels:  make(map[string]*webrtc.DataChannel),
		tracks:    make(map[domain.TrackID]*webrtc.TrackLocalStaticRTP),
		stopStats: make(chan struct{}),
		createdAt: time.Now(),
	}

	pc.OnConnectionStateChange(m.handleConnectionState(t))
	pc.OnICEConnectionStateChange(m.handleICEConnectionState(t))
	pc.OnICECandidate(m.handleLocalCandidate(t))
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.registerChannel(t, dc)
	})

	for _, spec := range channels {
		if _, err := m.openChannel(t, spec); err != nil {
			pc.Close()
			return "", apperrors.NewTransportCreateFailed(err).WithContext("channel", spec.Label)
		}
	}

	m.mu.Lock()
	m.transports[id] = t
	m.mu.Unlock()

	go m.pollStats(t)

	m.logger.Infow("transport created",
		"connection_id", id,
		"device_id", deviceID,
		"channels", len(channels),
	)
	return id, nil
}

func (m *TransportManager) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   m.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if m.config.PortRange.Min > 0 && m.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(m.config.PortRange.Min, m.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (m *TransportManager) get(id domain.ConnectionID) (*transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[id]
	return t, ok
}

// CreateOffer produces a local negotiation descriptor and commits it as the
// local description.
func (m *TransportManager) CreateOffer(ctx context.Context, id domain.ConnectionID) (domain.DescriptorPayload, error) {
	t, ok := m.get(id)
	if !ok {
		return domain.DescriptorPayload{}, apperrors.NewNoSuchConnection(string(id))
	}
	_, span := tracing.TraceTransportOperation(ctx, "create_offer", string(t.device), string(id))
	defer span.End()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.DescriptorPayload{}, apperrors.NewOfferCreateFailed(err).WithContext("connection_id", string(id))
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.DescriptorPayload{}, apperrors.NewOfferCreateFailed(err).WithContext("connection_id", string(id))
	}
	return domain.DescriptorPayload{SDP: offer.SDP, Kind: "offer"}, nil
}

// CreateAnswer produces an answer and commits it as the local description.
func (m *TransportManager) CreateAnswer(ctx context.Context, id domain.ConnectionID) (domain.DescriptorPayload, error) {
	t, ok := m.get(id)
	if !ok {
		return domain.DescriptorPayload{}, apperrors.NewNoSuchConnection(string(id))
	}
	_, span := tracing.TraceTransportOperation(ctx, "create_answer", string(t.device), string(id))
	defer span.End()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.DescriptorPayload{}, apperrors.NewAnswerCreateFailed(err).WithContext("connection_id", string(id))
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.DescriptorPayload{}, apperrors.NewAnswerCreateFailed(err).WithContext("connection_id", string(id))
	}
	return domain.DescriptorPayload{SDP: answer.SDP, Kind: "answer"}, nil
}

// SetRemoteDescription applies the remote descriptor and flushes any
// candidates that arrived before it.
func (m *TransportManager) SetRemoteDescription(ctx context.Context, id domain.ConnectionID, desc domain.DescriptorPayload) error {
	t, ok := m.get(id)
	if !ok {
		return apperrors.NewNoSuchConnection(string(id))
	}

	sdpType := webrtc.SDPTypeOffer
	if desc.Kind == "answer" {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, cand := range pending {
		if err := t.pc.AddICECandidate(cand); err != nil {
			m.logger.Warnw("failed to apply buffered candidate",
				"connection_id", id,
				"error", err,
			)
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, buffering it if the remote
// descriptor has not been applied yet. Candidates are never dropped.
func (m *TransportManager) AddRemoteCandidate(ctx context.Context, id domain.ConnectionID, cand domain.CandidatePayload) error {
	t, ok := m.get(id)
	if !ok {
		return apperrors.NewNoSuchConnection(string(id))
	}

	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.pendingCandidates = append(t.pendingCandidates, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// CreateChannel creates a named byte-stream channel on an existing transport.
func (m *TransportManager) CreateChannel(ctx context.Context, id domain.ConnectionID, spec domain.ChannelSpec) (domain.ChannelID, error) {
	t, ok := m.get(id)
	if !ok {
		return "", apperrors.NewNoSuchConnection(string(id))
	}
	return m.openChannel(t, spec)
}

func (m *TransportManager) openChannel(t *transport, spec domain.ChannelSpec) (domain.ChannelID, error) {
	ordered := spec.Ordered
	init := &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: spec.MaxRetransmits,
	}

	dc, err := t.pc.CreateDataChannel(spec.Label, init)
	if err != nil {
		return "", fmt.Errorf("create channel %s: %w", spec.Label, err)
	}
	m.registerChannel(t, dc)
	return domain.ChannelID(utils.GenerateChannelID()), nil
}

func (m *TransportManager) registerChannel(t *transport, dc *webrtc.DataChannel) {
	label := dc.Label()

	t.mu.Lock()
	t.channels[label] = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		m.emit(ports.TransportEvent{Kind: ports.TransportChannelOpened, ConnectionID: t.id, Channel: label})
	})
	dc.OnClose(func() {
		m.emit(ports.TransportEvent{Kind: ports.TransportChannelClosed, ConnectionID: t.id, Channel: label})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.emit(ports.TransportEvent{
			Kind:         ports.TransportChannelMessage,
			ConnectionID: t.id,
			Channel:      label,
			Data:         msg.Data,
		})
	})
}

// Send writes bytes to an open channel.
func (m *TransportManager) Send(id domain.ConnectionID, label string, data []byte) error {
	t, ok := m.get(id)
	if !ok {
		return apperrors.NewNoSuchConnection(string(id))
	}

	t.mu.Lock()
	dc, ok := t.channels[label]
	t.mu.Unlock()
	if !ok {
		return apperrors.NewChannelNotFound(label).WithContext("connection_id", string(id))
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return apperrors.NewChannelNotOpen(label).WithContext("connection_id", string(id))
	}
	return dc.Send(data)
}

// Stats returns the last polled statistics for a transport.
func (m *TransportManager) Stats(id domain.ConnectionID) (domain.ConnectionStats, bool) {
	t, ok := m.get(id)
	if !ok {
		return domain.ConnectionStats{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, true
}

// AttachMediaTrack adds an outbound RTP media track and starts the RTCP
// feedback reader for it.
func (m *TransportManager) AttachMediaTrack(id domain.ConnectionID, trackID domain.TrackID, mimeType string) error {
	t, ok := m.get(id)
	if !ok {
		return apperrors.NewNoSuchConnection(string(id))
	}

	// Receiver reports express jitter in units of the codec clock.
	clockRate := uint32(90000)
	if strings.HasPrefix(mimeType, "audio/") {
		clockRate = 48000
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: clockRate},
		string(trackID),
		fmt.Sprintf("peerlink-%s", trackID),
	)
	if err != nil {
		return fmt.Errorf("create media track: %w", err)
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add media track: %w", err)
	}

	t.mu.Lock()
	t.tracks[trackID] = track
	t.mu.Unlock()

	go m.readRTCP(t, sender, float64(clockRate))
	return nil
}

// WriteRTP forwards one RTP packet to an attached media track.
func (m *TransportManager) WriteRTP(id domain.ConnectionID, trackID domain.TrackID, packet *rtp.Packet) error {
	t, ok := m.get(id)
	if !ok {
		return apperrors.NewNoSuchConnection(string(id))
	}

	t.mu.Lock()
	track, ok := t.tracks[trackID]
	t.mu.Unlock()
	if !ok {
		return apperrors.NewChannelNotFound(string(trackID)).WithContext("connection_id", string(id))
	}
	return track.WriteRTP(packet)
}

// rtcpBufPool recycles read buffers across all RTCP feedback readers. MTU
// sized, compound RTCP packets never exceed it.
var rtcpBufPool = optimize.NewBytePool(1500)

// ntpMiddle32 returns the middle 32 bits of the NTP timestamp for ts, the
// unit LSR and DLSR fields are expressed in (1/65536 s).
func ntpMiddle32(ts time.Time) uint32 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(ts.Unix()) + ntpEpochOffset
	frac := (uint64(ts.Nanosecond()) << 32) / 1_000_000_000
	return uint32(secs<<16 | frac>>16)
}

// rttFromReport derives the round-trip time from a reception report per
// RFC 3550 section 6.4.1: current NTP middle bits minus the echoed last
// sender report timestamp minus the receiver's processing delay, all in
// 1/65536 second units. Deltas over 16s are clock skew, not a real RTT.
func rttFromReport(now time.Time, lsr, dlsr uint32) (time.Duration, bool) {
	delta := ntpMiddle32(now) - lsr - dlsr
	if delta > 16*65536 { // older than 16s means clock skew or wraparound
		return 0, false
	}
	return time.Duration(delta) * time.Second / 65536, true
}

// readRTCP extracts loss/jitter/round-trip figures from receiver reports and
// emits them as media-report events.
func (m *TransportManager) readRTCP(t *transport, sender *webrtc.RTPSender, clockRate float64) {
	for {
		buf := rtcpBufPool.Get()
		n, _, err := sender.Read(buf)
		if err != nil {
			rtcpBufPool.Put(buf)
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		rtcpBufPool.Put(buf)
		if err != nil {
			m.logger.Debugw("rtcp unmarshal failed", "connection_id", t.id, "error", err)
			continue
		}

		var totalLost float64
		var jitterSeconds float64
		var rtt time.Duration
		count := 0

		for _, packet := range packets {
			rr, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				totalLost += float64(report.FractionLost) / 255.0
				// Interarrival jitter arrives in codec clock units.
				jitterSeconds += float64(report.Jitter) / clockRate
				count++
				if report.LastSenderReport != 0 {
					if d, ok := rttFromReport(time.Now(), report.LastSenderReport, report.Delay); ok {
						rtt = d
					}
				}
			}
		}

		if count == 0 {
			continue
		}

		report := domain.MediaReport{
			ConnectionID: t.id,
			PacketLoss:   totalLost / float64(count),
			Jitter:       time.Duration(jitterSeconds / float64(count) * float64(time.Second)),
			RoundTrip:    rtt,
			Timestamp:    time.Now(),
		}
		m.emit(ports.TransportEvent{
			Kind:         ports.TransportMediaReport,
			ConnectionID: t.id,
			Report:       &report,
		})
	}
}

// Close tears down all channels then the transport. Idempotent: closing
// twice, or closing an unknown id, is a no-op, since close paths run during
// teardown races.
func (m *TransportManager) Close(id domain.ConnectionID) {
	m.mu.Lock()
	t, ok := m.transports[id]
	if ok {
		delete(m.transports, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.stopStats)
	channels := make([]*webrtc.DataChannel, 0, len(t.channels))
	for _, dc := range t.channels {
		channels = append(channels, dc)
	}
	t.mu.Unlock()

	for _, dc := range channels {
		if err := dc.Close(); err != nil {
			m.logger.Debugw("channel close failed", "connection_id", id, "error", err)
		}
	}
	if err := t.pc.Close(); err != nil {
		m.logger.Debugw("transport close failed", "connection_id", id, "error", err)
	}

	m.logger.Infow("transport closed", "connection_id", id, "device_id", t.device)
}

// Shutdown closes every live transport.
func (m *TransportManager) Shutdown() {
	m.mu.RLock()
	ids := make([]domain.ConnectionID, 0, len(m.transports))
	for id := range m.transports {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (m *TransportManager) handleConnectionState(t *transport) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		mapped := mapConnectionState(state)
		m.logger.Infow("transport state changed",
			"connection_id", t.id,
			"device_id", t.device,
			"raw_state", state,
			"state", mapped,
		)
		m.emit(ports.TransportEvent{
			Kind:         ports.TransportStateChanged,
			ConnectionID: t.id,
			State:        mapped,
		})
	}
}

func (m *TransportManager) handleICEConnectionState(t *transport) func(webrtc.ICEConnectionState) {
	return func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			m.emit(ports.TransportEvent{Kind: ports.TransportICEFailed, ConnectionID: t.id})
		}
	}
}

func (m *TransportManager) handleLocalCandidate(t *transport) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.emit(ports.TransportEvent{
			Kind:         ports.TransportLocalCandidate,
			ConnectionID: t.id,
			Candidate: &domain.CandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	}
}

// mapConnectionState maps raw platform states into the five-state model.
func mapConnectionState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return domain.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.StateReconnecting
	case webrtc.PeerConnectionStateFailed:
		return domain.StateFailed
	default:
		return domain.StateClosed
	}
}

// pollStats periodically refreshes byte/packet counters and the round-trip
// estimate for a connected transport. Poll failures are logged, not surfaced.
func (m *TransportManager) pollStats(t *transport) {
	ticker := time.NewTicker(m.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopStats:
			return
		case <-ticker.C:
			if t.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
				continue
			}

			report := t.pc.GetStats()
			var stats domain.ConnectionStats
			for _, s := range report {
				switch v := s.(type) {
				case webrtc.TransportStats:
					stats.BytesSent += v.BytesSent
					stats.BytesReceived += v.BytesReceived
					stats.PacketsSent += uint64(v.PacketsSent)
					stats.PacketsReceived += uint64(v.PacketsReceived)
				case webrtc.ICECandidatePairStats:
					if v.State == webrtc.StatsICECandidatePairStateSucceeded && v.CurrentRoundTripTime > 0 {
						stats.RoundTripTime = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
					}
				}
			}
			stats.UpdatedAt = time.Now()

			t.mu.Lock()
			t.stats = stats
			t.mu.Unlock()

			m.emit(ports.TransportEvent{
				Kind:         ports.TransportStatsUpdated,
				ConnectionID: t.id,
				Stats:        &stats,
			})
		}
	}
}

func (m *TransportManager) emit(ev ports.TransportEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warnw("transport event dropped, consumer too slow",
			"kind", ev.Kind,
			"connection_id", ev.ConnectionID,
		)
	}
}
