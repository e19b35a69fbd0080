package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	apperrors "peerlink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	created []domain.ConnectionID
	closed  []domain.ConnectionID
	sent    []string
	events  chan ports.TransportEvent

	failCreate bool
	failOffer  bool
	failSend   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan ports.TransportEvent, 32)}
}

func (f *fakeTransport) CreateConnection(ctx context.Context, deviceID domain.DeviceID, channels []domain.ChannelSpec) (domain.ConnectionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", fmt.Errorf("transport create refused")
	}
	f.nextID++
	id := domain.ConnectionID(fmt.Sprintf("transport-%d", f.nextID))
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeTransport) CreateOffer(ctx context.Context, id domain.ConnectionID) (domain.DescriptorPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer {
		return domain.DescriptorPayload{}, fmt.Errorf("offer refused")
	}
	return domain.DescriptorPayload{SDP: "v=0 offer", Kind: "offer"}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context, id domain.ConnectionID) (domain.DescriptorPayload, error) {
	return domain.DescriptorPayload{SDP: "v=0 answer", Kind: "answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(ctx context.Context, id domain.ConnectionID, desc domain.DescriptorPayload) error {
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(ctx context.Context, id domain.ConnectionID, cand domain.CandidatePayload) error {
	return nil
}

func (f *fakeTransport) CreateChannel(ctx context.Context, id domain.ConnectionID, spec domain.ChannelSpec) (domain.ChannelID, error) {
	return domain.ChannelID(spec.Label), nil
}

func (f *fakeTransport) Send(id domain.ConnectionID, label string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.sent = append(f.sent, label+":"+string(data))
	return nil
}

func (f *fakeTransport) Stats(id domain.ConnectionID) (domain.ConnectionStats, bool) {
	return domain.ConnectionStats{}, false
}

func (f *fakeTransport) Close(id domain.ConnectionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeTransport) Events() <-chan ports.TransportEvent { return f.events }
func (f *fakeTransport) Shutdown()                           {}

func (f *fakeTransport) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeTransport) lastCreated() domain.ConnectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type signalResponse struct {
	resp *domain.ConnectionResponseData
	err  error
}

type fakeSignaling struct {
	mu        sync.Mutex
	requests  []domain.DeviceID
	responses []signalResponse
	respIdx   int
	responded []bool
	closes    []domain.DeviceID
	events    chan ports.SignalEvent
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{events: make(chan ports.SignalEvent, 32)}
}

func acceptedResponse() signalResponse {
	return signalResponse{resp: &domain.ConnectionResponseData{
		RequestID: "req-1",
		Accepted:  true,
		Answer:    &domain.DescriptorPayload{SDP: "v=0 answer", Kind: "answer"},
	}}
}

func (f *fakeSignaling) Connect(ctx context.Context) error { return nil }
func (f *fakeSignaling) Disconnect() error                 { return nil }

func (f *fakeSignaling) Send(env domain.SignalEnvelope) error { return nil }

func (f *fakeSignaling) RequestConnection(ctx context.Context, target domain.DeviceID, opts domain.HandshakeOptions) (*domain.ConnectionResponseData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, target)
	if f.respIdx >= len(f.responses) {
		return nil, fmt.Errorf("no scripted response")
	}
	r := f.responses[f.respIdx]
	f.respIdx++
	return r.resp, r.err
}

func (f *fakeSignaling) RespondToConnection(to domain.DeviceID, requestID string, accepted bool, errMsg string, answer *domain.DescriptorPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, accepted)
	return nil
}

func (f *fakeSignaling) SendCandidate(to domain.DeviceID, cand domain.CandidatePayload) error {
	return nil
}

func (f *fakeSignaling) SendClose(to domain.DeviceID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, to)
	return nil
}

func (f *fakeSignaling) DiscoverDevices(ctx context.Context, window time.Duration) ([]domain.DiscoveryResult, error) {
	return []domain.DiscoveryResult{{DeviceID: "found-device"}}, nil
}

func (f *fakeSignaling) LocalDevice() domain.DeviceID     { return "local-device" }
func (f *fakeSignaling) Events() <-chan ports.SignalEvent { return f.events }

func (f *fakeSignaling) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeOptimizer struct {
	mu      sync.Mutex
	reports []domain.MediaReport
	events  chan ports.OptimizerEvent
}

func newFakeOptimizer() *fakeOptimizer {
	return &fakeOptimizer{events: make(chan ports.OptimizerEvent, 8)}
}

func (f *fakeOptimizer) MeasureBandwidth(ctx context.Context) (domain.BandwidthMeasurement, error) {
	return domain.BandwidthMeasurement{}, nil
}

func (f *fakeOptimizer) MeasureConditions(ctx context.Context) (domain.NetworkConditions, error) {
	return domain.NetworkConditions{}, nil
}

func (f *fakeOptimizer) AdaptQuality(cond domain.NetworkConditions) domain.QualitySettings {
	return domain.QualitySettings{}
}

func (f *fakeOptimizer) HandleCongestion() domain.QualitySettings { return domain.QualitySettings{} }

func (f *fakeOptimizer) UpdateQualitySettings(settings domain.QualitySettings) {}
func (f *fakeOptimizer) CurrentSettings() domain.QualitySettings {
	return domain.QualitySettings{}
}

func (f *fakeOptimizer) ObserveMediaReport(report domain.MediaReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
}

func (f *fakeOptimizer) ResetToDefaults()                    {}
func (f *fakeOptimizer) Start(ctx context.Context)           {}
func (f *fakeOptimizer) Stop()                               {}
func (f *fakeOptimizer) Events() <-chan ports.OptimizerEvent { return f.events }

type managerFixture struct {
	transport *fakeTransport
	signaling *fakeSignaling
	optimizer *fakeOptimizer
	manager   *ConnectionManager
}

func newManagerFixture(t *testing.T, config ManagerConfig) *managerFixture {
	t.Helper()
	f := &managerFixture{
		transport: newFakeTransport(),
		signaling: newFakeSignaling(),
		optimizer: newFakeOptimizer(),
	}
	f.manager = NewConnectionManager(config, f.transport, f.signaling, f.optimizer, nil, zap.NewNop().Sugar())
	t.Cleanup(f.manager.Destroy)
	return f
}

func testManagerConfig() ManagerConfig {
	config := DefaultManagerConfig()
	config.ReconnectDelay = 5 * time.Millisecond
	config.SweepInterval = time.Hour
	config.CloseGraceDelay = 10 * time.Millisecond
	return config
}

func waitManagerEvent(t *testing.T, m *ConnectionManager, kind ports.ManagerEventKind) ports.ManagerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return ports.ManagerEvent{}
		}
	}
}

func waitStateEvent(t *testing.T, m *ConnectionManager, state domain.ConnectionState) ports.ManagerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == ports.ManagerConnectionState && ev.State == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
			return ports.ManagerEvent{}
		}
	}
}

func TestInitiateDrivesHandshake(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, domain.DeviceID("device-b"), conn.RemoteDevice)
	assert.Equal(t, domain.StateConnecting, conn.State)
	assert.Equal(t, 1, f.transport.createdCount())
	assert.Equal(t, 1, f.signaling.requestCount())

	// Transport reports connected; the record follows.
	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateConnected,
	}
	ev := waitStateEvent(t, f.manager, domain.StateConnected)
	assert.Equal(t, conn.ID, ev.ConnectionID)

	got, ok := f.manager.Connection(conn.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, got.State)
}

func TestInitiateIsIdempotentPerDevice(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse(), acceptedResponse(), acceptedResponse()}

	first, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	second, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.transport.createdCount(), "second initiate must not create a second transport")
}

func TestConcurrentInitiatesConvergeOnOneRecord(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{
		acceptedResponse(), acceptedResponse(), acceptedResponse(), acceptedResponse(),
	}

	const callers = 4
	ids := make([]domain.ConnectionID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
			require.NoError(t, err)
			ids[i] = conn.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, f.manager.Connections(), 1)
}

func TestInitiateFailureLeavesFailedRecord(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{
		{err: fmt.Errorf("relay unreachable")},
		acceptedResponse(),
	}

	_, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeConnectionInitFailed, appErr.Code)

	conns := f.manager.Connections()
	require.Len(t, conns, 1, "failed record stays for inspection")
	assert.Equal(t, domain.StateFailed, conns[0].State)

	// An explicit retry reuses the record and redrives the handshake.
	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)
	assert.Equal(t, conns[0].ID, conn.ID)
	assert.Equal(t, domain.StateConnecting, conn.State)
}

func TestSendErrors(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	err := f.manager.Send("unknown-device", "data", []byte("hi"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionNotFound))

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	// Still connecting: not ready.
	err = f.manager.Send("device-b", "data", []byte("hi"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionNotReady))

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateConnected,
	}
	waitStateEvent(t, f.manager, domain.StateConnected)

	require.NoError(t, f.manager.Send("device-b", "data", []byte("hi")))
	_ = conn
}

func TestCloseIsQuietAndIdempotent(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	require.NoError(t, f.manager.Close(context.Background(), "never-existed", "whatever"))

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Close(context.Background(), conn.ID, "done"))
	ev := waitManagerEvent(t, f.manager, ports.ManagerConnectionClosed)
	assert.Equal(t, "done", ev.Reason)
	require.NoError(t, f.manager.Close(context.Background(), conn.ID, "done again"))

	f.signaling.mu.Lock()
	closes := len(f.signaling.closes)
	f.signaling.mu.Unlock()
	assert.Equal(t, 1, closes, "close envelope sent exactly once")

	// After the grace delay the record disappears.
	assert.Eventually(t, func() bool {
		_, ok := f.manager.Connection(conn.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

type recordingMetrics struct {
	mu          sync.Mutex
	gauges      map[domain.ConnectionState]int
	removed     int
	transferred int64
	latencies   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{gauges: make(map[domain.ConnectionState]int)}
}

func (m *recordingMetrics) ConnectionStateChanged(prev, next domain.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev != "" {
		m.gauges[prev]--
	}
	m.gauges[next]++
}

func (m *recordingMetrics) ConnectionRemoved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[domain.StateClosed]--
	m.removed++
}

func (m *recordingMetrics) ReconnectAttempt()                     {}
func (m *recordingMetrics) ReconnectExhausted()                   {}
func (m *recordingMetrics) HandshakeCompleted(time.Duration)      {}
func (m *recordingMetrics) QualityBitrate(domain.DeviceID, int64) {}
func (m *recordingMetrics) RecordDataTransferred(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferred += bytes
}
func (m *recordingMetrics) RecordNetworkLatency(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *recordingMetrics) gauge(state domain.ConnectionState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[state]
}

func TestStateGaugesStayCoherentAcrossLifecycle(t *testing.T) {
	metrics := newRecordingMetrics()
	transport := newFakeTransport()
	signaling := newFakeSignaling()
	signaling.responses = []signalResponse{acceptedResponse()}
	manager := NewConnectionManager(testManagerConfig(), transport, signaling, newFakeOptimizer(), metrics, zap.NewNop().Sugar())
	t.Cleanup(manager.Destroy)

	conn, err := manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.gauge(domain.StateConnecting))

	transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: transport.lastCreated(),
		State:        domain.StateConnected,
	}
	waitStateEvent(t, manager, domain.StateConnected)
	assert.Equal(t, 0, metrics.gauge(domain.StateConnecting), "connecting gauge released on connect")
	assert.Equal(t, 1, metrics.gauge(domain.StateConnected))

	require.NoError(t, manager.Send("device-b", "data", []byte("payload")))
	assert.Equal(t, int64(len("payload")), metrics.transferred)

	require.NoError(t, manager.Close(context.Background(), conn.ID, "done"))
	waitManagerEvent(t, manager, ports.ManagerConnectionClosed)
	assert.Equal(t, 0, metrics.gauge(domain.StateConnected), "connected gauge released on close")
	assert.Equal(t, 1, metrics.gauge(domain.StateClosed))

	// The grace sweep removes the closed record and releases its gauge.
	assert.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.removed == 1 && metrics.gauges[domain.StateClosed] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReinitiateDuringGraceWindowSurvivesSweep(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse(), acceptedResponse()}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Close(context.Background(), conn.ID, "done"))
	waitManagerEvent(t, f.manager, ports.ManagerConnectionClosed)

	// Retry inside the grace window reuses the closed record.
	reconn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)
	require.Equal(t, conn.ID, reconn.ID)
	assert.Equal(t, domain.StateConnecting, reconn.State)

	// The stale timer from the earlier close fires now. The record is live
	// again and must not be swept.
	time.Sleep(5 * testManagerConfig().CloseGraceDelay)

	got, ok := f.manager.Connection(conn.ID)
	require.True(t, ok, "re-initiated connection removed by the stale close timer")
	assert.Equal(t, domain.StateConnecting, got.State)
	require.NoError(t, f.manager.Close(context.Background(), conn.ID, "cleanup"))
}

func TestReconnectExhaustionEndsFailed(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	// One accepted handshake, then every redrive attempt is refused.
	f.signaling.responses = []signalResponse{
		acceptedResponse(),
		{err: fmt.Errorf("gone")},
		{err: fmt.Errorf("gone")},
		{err: fmt.Errorf("gone")},
		{err: fmt.Errorf("gone")},
	}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateConnected,
	}
	waitStateEvent(t, f.manager, domain.StateConnected)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateReconnecting,
	}
	waitStateEvent(t, f.manager, domain.StateReconnecting)

	ev := waitManagerEvent(t, f.manager, ports.ManagerReconnectFailed)
	assert.Equal(t, conn.ID, ev.ConnectionID)

	got, ok := f.manager.Connection(conn.ID)
	require.True(t, ok, "exhausted record stays for explicit retry")
	assert.Equal(t, domain.StateFailed, got.State)
	// Initial handshake plus the capped reconnection attempts.
	assert.Equal(t, 1+DefaultManagerConfig().MaxReconnectAttempts, f.signaling.requestCount())
}

func TestReconnectRecoversAndResetsAttempts(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse(), acceptedResponse()}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateConnected,
	}
	waitStateEvent(t, f.manager, domain.StateConnected)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateReconnecting,
	}
	waitStateEvent(t, f.manager, domain.StateReconnecting)

	// The redrive succeeds on a fresh transport; connected resets attempts.
	assert.Eventually(t, func() bool {
		return f.transport.createdCount() == 2
	}, time.Second, 5*time.Millisecond)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateConnected,
	}
	waitStateEvent(t, f.manager, domain.StateConnected)

	got, ok := f.manager.Connection(conn.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, got.State)
}

func TestIncomingRequestIsAnswered(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())

	f.signaling.events <- ports.SignalEvent{
		Kind: ports.SignalConnectionRequest,
		From: "device-a",
		Request: &domain.ConnectionRequestData{
			RequestID: "req-9",
			Options: domain.HandshakeOptions{
				Offer: &domain.DescriptorPayload{SDP: "v=0 offer", Kind: "offer"},
			},
		},
	}
	waitStateEvent(t, f.manager, domain.StateConnecting)

	assert.Eventually(t, func() bool {
		f.signaling.mu.Lock()
		defer f.signaling.mu.Unlock()
		return len(f.signaling.responded) == 1 && f.signaling.responded[0]
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, f.manager.Connections(), 1)
}

func TestIncomingRequestWithoutOfferIsRejected(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())

	f.signaling.events <- ports.SignalEvent{
		Kind:    ports.SignalConnectionRequest,
		From:    "device-a",
		Request: &domain.ConnectionRequestData{RequestID: "req-9"},
	}

	assert.Eventually(t, func() bool {
		f.signaling.mu.Lock()
		defer f.signaling.mu.Unlock()
		return len(f.signaling.responded) == 1 && !f.signaling.responded[0]
	}, time.Second, 5*time.Millisecond)
}

func TestPeerCloseTearsDownWithoutEcho(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	f.signaling.events <- ports.SignalEvent{
		Kind:   ports.SignalConnectionClose,
		From:   "device-b",
		Reason: "peer shutting down",
	}
	ev := waitManagerEvent(t, f.manager, ports.ManagerConnectionClosed)
	assert.Equal(t, conn.ID, ev.ConnectionID)
	assert.Equal(t, "peer shutting down", ev.Reason)

	f.signaling.mu.Lock()
	closes := len(f.signaling.closes)
	f.signaling.mu.Unlock()
	assert.Zero(t, closes, "no close envelope echoed back to the peer")
}

func TestQualityPropagatesToConnectedConnections(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportStateChanged,
		ConnectionID: f.transport.lastCreated(),
		State:        domain.StateConnected,
	}
	waitStateEvent(t, f.manager, domain.StateConnected)

	settings := domain.QualitySettings{
		Video: domain.VideoSettings{BitrateBps: 2_000_000, FPS: 30, Width: 1280, Height: 720},
	}
	f.optimizer.events <- ports.OptimizerEvent{
		Kind:     ports.OptimizerConditionsChanged,
		Settings: settings,
	}

	ev := waitManagerEvent(t, f.manager, ports.ManagerQualityUpdated)
	require.NotNil(t, ev.Quality)
	assert.Equal(t, int64(2_000_000), ev.Quality.Settings.Video.BitrateBps)

	got, ok := f.manager.Connection(conn.ID)
	require.True(t, ok)
	require.NotNil(t, got.Quality)
	assert.Equal(t, int64(2_000_000), got.Quality.Settings.Video.BitrateBps)
}

func TestMediaReportsFeedOptimizer(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	_, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportMediaReport,
		ConnectionID: f.transport.lastCreated(),
		Report:       &domain.MediaReport{PacketLoss: 0.02},
	}

	assert.Eventually(t, func() bool {
		f.optimizer.mu.Lock()
		defer f.optimizer.mu.Unlock()
		return len(f.optimizer.reports) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChannelMessageRefreshesActivity(t *testing.T) {
	f := newManagerFixture(t, testManagerConfig())
	f.signaling.responses = []signalResponse{acceptedResponse()}

	conn, err := f.manager.Initiate(context.Background(), "device-b", domain.HandshakeOptions{})
	require.NoError(t, err)

	f.transport.events <- ports.TransportEvent{
		Kind:         ports.TransportChannelMessage,
		ConnectionID: f.transport.lastCreated(),
		Channel:      "data",
		Data:         []byte("ping"),
	}
	ev := waitManagerEvent(t, f.manager, ports.ManagerChannelMessage)
	assert.Equal(t, conn.ID, ev.ConnectionID)
	assert.Equal(t, "data", ev.Channel)
	assert.Equal(t, []byte("ping"), ev.Data)
}
