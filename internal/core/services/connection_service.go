package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/cache"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ManagerConfig holds connection manager configuration.
type ManagerConfig struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	StaleTimeout         time.Duration
	SweepInterval        time.Duration
	CloseGraceDelay      time.Duration
	DiscoveryWindow      time.Duration
	Channels             []domain.ChannelSpec
}

// DefaultManagerConfig returns the baseline manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
		StaleTimeout:         60 * time.Second,
		SweepInterval:        15 * time.Second,
		CloseGraceDelay:      5 * time.Second,
		DiscoveryWindow:      5 * time.Second,
		Channels: []domain.ChannelSpec{
			{Label: "data", Ordered: true},
		},
	}
}

// ManagerMetrics is the sink for connection manager instrumentation. State
// transitions report the previous state so per-state gauges stay balanced.
type ManagerMetrics interface {
	ConnectionStateChanged(prev, next domain.ConnectionState)
	ConnectionRemoved()
	ReconnectAttempt()
	ReconnectExhausted()
	HandshakeCompleted(duration time.Duration)
	QualityBitrate(device domain.DeviceID, bps int64)
	RecordDataTransferred(bytes int64)
	RecordNetworkLatency(latency time.Duration)
}

// connEntry binds a logical connection to its current transport. The logical
// ID never changes; the transport ID is swapped on every reconnection.
type connEntry struct {
	conn        *domain.Connection
	transportID domain.ConnectionID
	attempts    int
	opts        domain.HandshakeOptions
}

// ConnectionManager composes the transport manager, the signaling client and
// the network optimizer: it drives the handshake end-to-end, runs the
// reconnection state machine and republishes quality updates per connection.
type ConnectionManager struct {
	config    ManagerConfig
	transport ports.TransportService
	signaling ports.SignalingService
	optimizer ports.OptimizerService
	metrics   ManagerMetrics
	tracer    trace.Tracer
	logger    *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[domain.ConnectionID]*connEntry
	byDevice    map[domain.DeviceID]domain.ConnectionID
	byTransport map[domain.ConnectionID]domain.ConnectionID

	discoveryCache *cache.CacheWithFallback

	events chan ports.ManagerEvent
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewConnectionManager creates the orchestrator. Metrics may be nil.
func NewConnectionManager(
	config ManagerConfig,
	transport ports.TransportService,
	signaling ports.SignalingService,
	optimizer ports.OptimizerService,
	metrics ManagerMetrics,
	logger *zap.SugaredLogger,
) *ConnectionManager {
	if config.DiscoveryWindow <= 0 {
		config.DiscoveryWindow = DefaultManagerConfig().DiscoveryWindow
	}
	cm := &ConnectionManager{
		config:      config,
		transport:   transport,
		signaling:   signaling,
		optimizer:   optimizer,
		metrics:     metrics,
		tracer:      otel.Tracer("peerlink/connections"),
		logger:      logger,
		connections: make(map[domain.ConnectionID]*connEntry),
		byDevice:    make(map[domain.DeviceID]domain.ConnectionID),
		byTransport: make(map[domain.ConnectionID]domain.ConnectionID),

		discoveryCache: cache.NewCacheWithFallback(config.DiscoveryWindow),

		events: make(chan ports.ManagerEvent, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go cm.dispatchLoop()
	return cm
}

// Events returns the manager's event stream for the presentation layer.
func (cm *ConnectionManager) Events() <-chan ports.ManagerEvent {
	return cm.events
}

// Connection returns one live connection by ID.
func (cm *ConnectionManager) Connection(id domain.ConnectionID) (*domain.Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	entry, ok := cm.connections[id]
	if !ok {
		return nil, false
	}
	c := *entry.conn
	return &c, true
}

// Connections returns a snapshot of every live connection.
func (cm *ConnectionManager) Connections() []*domain.Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*domain.Connection, 0, len(cm.connections))
	for _, entry := range cm.connections {
		c := *entry.conn
		out = append(out, &c)
	}
	return out
}

// Initiate connects to a device. Idempotent: an existing connected (or
// in-flight) connection to the same device is returned unchanged, so
// concurrent calls converge on one record.
func (cm *ConnectionManager) Initiate(ctx context.Context, target domain.DeviceID, opts domain.HandshakeOptions) (*domain.Connection, error) {
	ctx, span := cm.tracer.Start(ctx, "connection.initiate",
		trace.WithAttributes(attribute.String("peer.device_id", string(target))))
	defer span.End()

	if len(opts.Channels) == 0 {
		opts.Channels = cm.config.Channels
	}

	// Check-then-create under a single lock so two concurrent initiates
	// for the same device never produce two records.
	cm.mu.Lock()
	if id, ok := cm.byDevice[target]; ok {
		entry := cm.connections[id]
		switch entry.conn.State {
		case domain.StateConnected, domain.StateConnecting, domain.StateReconnecting:
			c := *entry.conn
			cm.mu.Unlock()
			return &c, nil
		default:
			// A failed or closed record is reused: the caller is retrying
			// explicitly.
			prev := entry.conn.State
			entry.conn.State = domain.StateConnecting
			entry.attempts = 0
			entry.opts = opts
			cm.mu.Unlock()
			cm.emitState(id, target, prev, domain.StateConnecting)
			return cm.driveHandshake(ctx, span, id, target, opts)
		}
	}

	conn := &domain.Connection{
		ID:           domain.ConnectionID(utils.GenerateConnectionID()),
		RemoteDevice: target,
		State:        domain.StateConnecting,
		Transport:    domain.TransportDirect,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	cm.connections[conn.ID] = &connEntry{conn: conn, opts: opts}
	cm.byDevice[target] = conn.ID
	cm.mu.Unlock()

	cm.emitState(conn.ID, target, "", domain.StateConnecting)
	return cm.driveHandshake(ctx, span, conn.ID, target, opts)
}

// driveHandshake runs the full initiator-side handshake for a registered
// connection record. Failure leaves the record in failed state rather than
// removing it, so callers can inspect why.
func (cm *ConnectionManager) driveHandshake(ctx context.Context, span trace.Span, id domain.ConnectionID, target domain.DeviceID, opts domain.HandshakeOptions) (*domain.Connection, error) {
	started := time.Now()

	fail := func(err error) (*domain.Connection, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		cm.markFailed(id)
		return nil, apperrors.NewConnectionInitFailed(err).WithContext("device_id", string(target))
	}

	if err := cm.signaling.Connect(ctx); err != nil {
		return fail(err)
	}

	transportID, err := cm.transport.CreateConnection(ctx, target, opts.Channels)
	if err != nil {
		return fail(err)
	}
	cm.bindTransport(id, transportID)

	offer, err := cm.transport.CreateOffer(ctx, transportID)
	if err != nil {
		cm.transport.Close(transportID)
		return fail(err)
	}
	opts.Offer = &offer

	resp, err := cm.signaling.RequestConnection(ctx, target, opts)
	if err != nil {
		cm.transport.Close(transportID)
		return fail(err)
	}
	if resp.Answer == nil {
		cm.transport.Close(transportID)
		return fail(apperrors.NewConnectionFailed(domain.ErrConnectionRejected))
	}

	if err := cm.transport.SetRemoteDescription(ctx, transportID, *resp.Answer); err != nil {
		cm.transport.Close(transportID)
		return fail(err)
	}

	if cm.metrics != nil {
		cm.metrics.HandshakeCompleted(time.Since(started))
	}
	cm.logger.Infow("handshake driven, awaiting transport",
		"connection_id", id,
		"device_id", target,
		"elapsed", time.Since(started),
	)

	cm.mu.RLock()
	entry, ok := cm.connections[id]
	var snapshot *domain.Connection
	if ok {
		c := *entry.conn
		snapshot = &c
	}
	cm.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewConnectionNotFound(string(target))
	}
	return snapshot, nil
}

// bindTransport points a logical connection at its current transport,
// dropping any stale mapping so late events from a replaced transport
// resolve to nothing.
func (cm *ConnectionManager) bindTransport(id, transportID domain.ConnectionID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.connections[id]
	if !ok {
		return
	}
	if entry.transportID != "" {
		delete(cm.byTransport, entry.transportID)
	}
	entry.transportID = transportID
	cm.byTransport[transportID] = id
}

func (cm *ConnectionManager) markFailed(id domain.ConnectionID) {
	cm.mu.Lock()
	entry, ok := cm.connections[id]
	var device domain.DeviceID
	var prev domain.ConnectionState
	if ok {
		prev = entry.conn.State
		entry.conn.State = domain.StateFailed
		device = entry.conn.RemoteDevice
	}
	cm.mu.Unlock()
	if ok {
		cm.emitState(id, device, prev, domain.StateFailed)
	}
}

// Send pushes opaque bytes to a device over a named channel.
func (cm *ConnectionManager) Send(deviceID domain.DeviceID, label string, data []byte) error {
	cm.mu.RLock()
	id, ok := cm.byDevice[deviceID]
	var entry *connEntry
	if ok {
		entry = cm.connections[id]
	}
	cm.mu.RUnlock()

	if !ok || entry == nil {
		return apperrors.NewConnectionNotFound(string(deviceID))
	}
	if entry.conn.State != domain.StateConnected {
		return apperrors.NewConnectionNotReady(string(deviceID)).WithContext("state", string(entry.conn.State))
	}

	if err := cm.transport.Send(entry.transportID, label, data); err != nil {
		return err
	}
	if cm.metrics != nil {
		cm.metrics.RecordDataTransferred(int64(len(data)))
	}

	cm.mu.Lock()
	entry.conn.LastActivity = time.Now()
	cm.mu.Unlock()
	return nil
}

// DiscoverDevices delegates to the signaling client, ensuring connectivity
// first. Results are cached for the collection window so polling tooling
// does not trigger a broadcast storm.
func (cm *ConnectionManager) DiscoverDevices(ctx context.Context, window time.Duration) ([]domain.DiscoveryResult, error) {
	if window <= 0 {
		window = cm.config.DiscoveryWindow
	}

	cacheKey := "discovery:" + window.String()
	value, err := cm.discoveryCache.GetOrSet(ctx, cacheKey, func(ctx context.Context) (interface{}, error) {
		if err := cm.signaling.Connect(ctx); err != nil {
			return nil, err
		}
		return cm.signaling.DiscoverDevices(ctx, window)
	}, window)
	if err != nil {
		return nil, err
	}
	return value.([]domain.DiscoveryResult), nil
}

// Close tears a connection down. Teardown never raises: closing twice, or
// closing an unknown ID, completes quietly.
func (cm *ConnectionManager) Close(ctx context.Context, id domain.ConnectionID, reason string) error {
	cm.mu.Lock()
	entry, ok := cm.connections[id]
	if !ok || entry.conn.State == domain.StateClosed {
		cm.mu.Unlock()
		return nil
	}
	prev := entry.conn.State
	entry.conn.State = domain.StateClosed
	entry.attempts = 0
	transportID := entry.transportID
	device := entry.conn.RemoteDevice
	cm.mu.Unlock()

	if err := cm.signaling.SendClose(device, reason); err != nil {
		cm.logger.Debugw("close notification failed", "device_id", device, "error", err)
	}
	cm.transport.Close(transportID)

	cm.emitState(id, device, prev, domain.StateClosed)
	cm.emit(ports.ManagerEvent{
		Kind:         ports.ManagerConnectionClosed,
		ConnectionID: id,
		DeviceID:     device,
		Reason:       reason,
	})

	// Grace delay so late transport/signaling events can still resolve the
	// record before it disappears.
	time.AfterFunc(cm.config.CloseGraceDelay, func() {
		cm.removeConnection(id)
	})
	return nil
}

// removeConnection drops a closed record from the tables. Records that left
// the closed state again, through a re-Initiate inside the grace window, are
// live and must survive the stale timer.
func (cm *ConnectionManager) removeConnection(id domain.ConnectionID) {
	cm.mu.Lock()
	entry, ok := cm.connections[id]
	if ok && entry.conn.State != domain.StateClosed {
		cm.mu.Unlock()
		return
	}
	if ok {
		delete(cm.connections, id)
		if cm.byDevice[entry.conn.RemoteDevice] == id {
			delete(cm.byDevice, entry.conn.RemoteDevice)
		}
		delete(cm.byTransport, entry.transportID)
	}
	cm.mu.Unlock()
	if ok && cm.metrics != nil {
		cm.metrics.ConnectionRemoved()
	}
}

// Destroy stops background activity, closes every live connection
// best-effort and tears down the owned components in dependency order.
func (cm *ConnectionManager) Destroy() {
	cm.once.Do(func() { close(cm.stop) })
	<-cm.done

	cm.mu.RLock()
	ids := make([]domain.ConnectionID, 0, len(cm.connections))
	for id := range cm.connections {
		ids = append(ids, id)
	}
	cm.mu.RUnlock()

	for _, id := range ids {
		if err := cm.Close(context.Background(), id, "shutting down"); err != nil {
			cm.logger.Warnw("close during shutdown failed", "connection_id", id, "error", err)
		}
	}

	cm.discoveryCache.Stop()
	cm.optimizer.Stop()
	cm.transport.Shutdown()
	if err := cm.signaling.Disconnect(); err != nil {
		cm.logger.Debugw("signaling disconnect failed", "error", err)
	}
}

// dispatchLoop serializes every component event so connection-table
// transitions never race each other.
func (cm *ConnectionManager) dispatchLoop() {
	defer close(cm.done)
	sweep := time.NewTicker(cm.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-cm.stop:
			return
		case ev := <-cm.transport.Events():
			cm.handleTransportEvent(ev)
		case ev := <-cm.signaling.Events():
			cm.handleSignalEvent(ev)
		case ev := <-cm.optimizer.Events():
			cm.handleOptimizerEvent(ev)
		case <-sweep.C:
			cm.sweepStaleConnections()
		}
	}
}

func (cm *ConnectionManager) handleTransportEvent(ev ports.TransportEvent) {
	cm.mu.RLock()
	id, ok := cm.byTransport[ev.ConnectionID]
	var entry *connEntry
	if ok {
		entry = cm.connections[id]
	}
	cm.mu.RUnlock()
	if !ok || entry == nil {
		// Stale transport, already replaced by a reconnection.
		cm.logger.Debugw("event for unmapped transport", "transport_id", ev.ConnectionID, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case ports.TransportStateChanged:
		cm.onTransportStateChanged(id, entry, ev.State)

	case ports.TransportLocalCandidate:
		if ev.Candidate != nil {
			if err := cm.signaling.SendCandidate(entry.conn.RemoteDevice, *ev.Candidate); err != nil {
				cm.logger.Warnw("candidate relay failed", "connection_id", id, "error", err)
			}
		}

	case ports.TransportChannelMessage:
		cm.mu.Lock()
		entry.conn.LastActivity = time.Now()
		cm.mu.Unlock()
		if cm.metrics != nil {
			cm.metrics.RecordDataTransferred(int64(len(ev.Data)))
		}
		cm.emit(ports.ManagerEvent{
			Kind:         ports.ManagerChannelMessage,
			ConnectionID: id,
			DeviceID:     entry.conn.RemoteDevice,
			Channel:      ev.Channel,
			Data:         ev.Data,
		})

	case ports.TransportStatsUpdated:
		if ev.Stats != nil {
			cm.mu.Lock()
			entry.conn.Stats = *ev.Stats
			entry.conn.LastActivity = time.Now()
			cm.mu.Unlock()
		}

	case ports.TransportMediaReport:
		if ev.Report != nil {
			cm.optimizer.ObserveMediaReport(*ev.Report)
		}

	case ports.TransportICEFailed:
		cm.logger.Warnw("NAT traversal failed", "connection_id", id, "device_id", entry.conn.RemoteDevice)
	}
}

// onTransportStateChanged updates the connection's state. Entering connected
// clears the reconnection counter; failed or disconnected triggers the
// reconnection machine.
func (cm *ConnectionManager) onTransportStateChanged(id domain.ConnectionID, entry *connEntry, state domain.ConnectionState) {
	cm.mu.Lock()
	if entry.conn.State == domain.StateClosed {
		cm.mu.Unlock()
		return
	}
	device := entry.conn.RemoteDevice

	prev := entry.conn.State

	switch state {
	case domain.StateConnected:
		entry.conn.State = domain.StateConnected
		entry.conn.LastActivity = time.Now()
		entry.attempts = 0
		cm.mu.Unlock()
		cm.emitState(id, device, prev, domain.StateConnected)

	case domain.StateFailed, domain.StateReconnecting:
		cm.mu.Unlock()
		cm.handleConnectionLoss(id)

	case domain.StateClosed:
		// Transport closed underneath a live record; treat as loss so the
		// reconnection machine decides the outcome.
		cm.mu.Unlock()
		cm.handleConnectionLoss(id)

	default:
		cm.mu.Unlock()
	}
}

// handleConnectionLoss marks the connection reconnecting and schedules the
// next attempt.
func (cm *ConnectionManager) handleConnectionLoss(id domain.ConnectionID) {
	cm.mu.Lock()
	entry, ok := cm.connections[id]
	if !ok || entry.conn.State == domain.StateClosed || entry.conn.State == domain.StateFailed {
		cm.mu.Unlock()
		return
	}
	prev := entry.conn.State
	alreadyReconnecting := prev == domain.StateReconnecting
	entry.conn.State = domain.StateReconnecting
	device := entry.conn.RemoteDevice
	cm.mu.Unlock()

	if !alreadyReconnecting {
		cm.emitState(id, device, prev, domain.StateReconnecting)
	}
	cm.scheduleReconnect(id)
}

// scheduleReconnect runs the per-connection reconnection state machine:
// linear backoff (reconnectDelay × attempt), capped attempts, fresh
// transport and a redriven handshake each time. This is deliberately a
// different policy from the signaling client's exponential backoff:
// signaling-transport flakiness is expected to be transient and bursty,
// peer-transport loss rarer and more deliberate.
func (cm *ConnectionManager) scheduleReconnect(id domain.ConnectionID) {
	cm.mu.Lock()
	entry, ok := cm.connections[id]
	if !ok || entry.conn.State != domain.StateReconnecting {
		cm.mu.Unlock()
		return
	}
	entry.attempts++
	attempt := entry.attempts
	device := entry.conn.RemoteDevice
	staleTransport := entry.transportID

	if attempt > cm.config.MaxReconnectAttempts {
		entry.conn.State = domain.StateFailed
		cm.mu.Unlock()
		cm.logger.Warnw("reconnection attempts exhausted",
			"connection_id", id,
			"device_id", device,
			"attempts", cm.config.MaxReconnectAttempts,
		)
		if cm.metrics != nil {
			cm.metrics.ReconnectExhausted()
		}
		cm.emitState(id, device, domain.StateReconnecting, domain.StateFailed)
		// The record stays in the table so the caller can inspect it and
		// retry explicitly via Initiate.
		cm.emit(ports.ManagerEvent{
			Kind:         ports.ManagerReconnectFailed,
			ConnectionID: id,
			DeviceID:     device,
		})
		return
	}
	cm.mu.Unlock()

	if cm.metrics != nil {
		cm.metrics.ReconnectAttempt()
	}
	delay := cm.config.ReconnectDelay * time.Duration(attempt)
	cm.logger.Infow("reconnection scheduled",
		"connection_id", id,
		"device_id", device,
		"attempt", attempt,
		"delay", delay,
	)

	time.AfterFunc(delay, func() {
		cm.mu.RLock()
		entry, ok := cm.connections[id]
		reconnecting := ok && entry.conn.State == domain.StateReconnecting
		opts := domain.HandshakeOptions{}
		if ok {
			opts = entry.opts
		}
		cm.mu.RUnlock()
		if !reconnecting {
			return
		}

		cm.transport.Close(staleTransport)

		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := cm.redriveHandshake(ctx, id, device, opts); err != nil {
			cm.logger.Warnw("reconnection attempt failed",
				"connection_id", id,
				"device_id", device,
				"attempt", attempt,
				"error", err,
			)
			cm.scheduleReconnect(id)
		}
	})
}

// redriveHandshake repeats the initiator handshake on a fresh transport for
// an existing record.
func (cm *ConnectionManager) redriveHandshake(ctx context.Context, id domain.ConnectionID, device domain.DeviceID, opts domain.HandshakeOptions) error {
	if err := cm.signaling.Connect(ctx); err != nil {
		return err
	}

	transportID, err := cm.transport.CreateConnection(ctx, device, opts.Channels)
	if err != nil {
		return err
	}
	cm.bindTransport(id, transportID)

	offer, err := cm.transport.CreateOffer(ctx, transportID)
	if err != nil {
		cm.transport.Close(transportID)
		return err
	}
	opts.Offer = &offer

	resp, err := cm.signaling.RequestConnection(ctx, device, opts)
	if err != nil {
		cm.transport.Close(transportID)
		return err
	}
	if resp.Answer == nil {
		cm.transport.Close(transportID)
		return domain.ErrConnectionRejected
	}
	if err := cm.transport.SetRemoteDescription(ctx, transportID, *resp.Answer); err != nil {
		cm.transport.Close(transportID)
		return err
	}
	return nil
}

func (cm *ConnectionManager) handleSignalEvent(ev ports.SignalEvent) {
	switch ev.Kind {
	case ports.SignalConnectionRequest:
		if ev.Request != nil {
			cm.acceptIncoming(ev.From, ev.Request)
		}

	case ports.SignalCandidate:
		if ev.Candidate == nil {
			return
		}
		cm.mu.RLock()
		id, ok := cm.byDevice[ev.From]
		var transportID domain.ConnectionID
		if ok {
			transportID = cm.connections[id].transportID
		}
		cm.mu.RUnlock()
		if !ok {
			cm.logger.Debugw("candidate for unknown device", "device_id", ev.From)
			return
		}
		if err := cm.transport.AddRemoteCandidate(context.Background(), transportID, *ev.Candidate); err != nil {
			cm.logger.Warnw("failed to apply remote candidate", "device_id", ev.From, "error", err)
		}

	case ports.SignalOffer:
		// Renegotiation on an existing connection.
		if ev.Descriptor == nil {
			return
		}
		cm.mu.RLock()
		id, ok := cm.byDevice[ev.From]
		var transportID domain.ConnectionID
		if ok {
			transportID = cm.connections[id].transportID
		}
		cm.mu.RUnlock()
		if !ok {
			return
		}
		ctx := context.Background()
		if err := cm.transport.SetRemoteDescription(ctx, transportID, *ev.Descriptor); err != nil {
			cm.logger.Warnw("renegotiation offer failed", "device_id", ev.From, "error", err)
			return
		}
		answer, err := cm.transport.CreateAnswer(ctx, transportID)
		if err != nil {
			cm.logger.Warnw("renegotiation answer failed", "device_id", ev.From, "error", err)
			return
		}
		payload, err := json.Marshal(answer)
		if err != nil {
			cm.logger.Warnw("renegotiation answer encode failed", "device_id", ev.From, "error", err)
			return
		}
		env := domain.SignalEnvelope{Type: domain.EnvelopeAnswer, To: ev.From, Data: payload}
		if err := cm.signaling.Send(env); err != nil {
			cm.logger.Warnw("renegotiation answer send failed", "device_id", ev.From, "error", err)
		}

	case ports.SignalAnswer:
		if ev.Descriptor == nil {
			return
		}
		cm.mu.RLock()
		id, ok := cm.byDevice[ev.From]
		var transportID domain.ConnectionID
		if ok {
			transportID = cm.connections[id].transportID
		}
		cm.mu.RUnlock()
		if !ok {
			return
		}
		if err := cm.transport.SetRemoteDescription(context.Background(), transportID, *ev.Descriptor); err != nil {
			cm.logger.Warnw("answer apply failed", "device_id", ev.From, "error", err)
		}

	case ports.SignalConnectionClose:
		cm.mu.RLock()
		id, ok := cm.byDevice[ev.From]
		cm.mu.RUnlock()
		if !ok {
			return
		}
		cm.closeFromPeer(id, ev.From, ev.Reason)

	case ports.SignalReconnectFailed:
		cm.emit(ports.ManagerEvent{Kind: ports.ManagerSignalingLost, Reason: "signaling reconnection exhausted"})

	case ports.SignalError:
		cm.logger.Warnw("relay reported error", "reason", ev.Reason)
	}
}

// closeFromPeer tears down locally after the remote side announced a close;
// no close envelope is echoed back.
func (cm *ConnectionManager) closeFromPeer(id domain.ConnectionID, device domain.DeviceID, reason string) {
	cm.mu.Lock()
	entry, ok := cm.connections[id]
	if !ok || entry.conn.State == domain.StateClosed {
		cm.mu.Unlock()
		return
	}
	prev := entry.conn.State
	entry.conn.State = domain.StateClosed
	transportID := entry.transportID
	cm.mu.Unlock()

	cm.transport.Close(transportID)
	cm.emitState(id, device, prev, domain.StateClosed)
	cm.emit(ports.ManagerEvent{
		Kind:         ports.ManagerConnectionClosed,
		ConnectionID: id,
		DeviceID:     device,
		Reason:       reason,
	})
	time.AfterFunc(cm.config.CloseGraceDelay, func() {
		cm.removeConnection(id)
	})
}

// acceptIncoming reacts to an inbound connection request: transport, offer
// applied, answer created, response sent. On any failure the requester gets
// an explicit rejection instead of waiting out its timeout.
func (cm *ConnectionManager) acceptIncoming(from domain.DeviceID, req *domain.ConnectionRequestData) {
	ctx := context.Background()

	reject := func(err error) {
		cm.logger.Warnw("rejecting incoming connection",
			"device_id", from,
			"request_id", req.RequestID,
			"error", err,
		)
		if respErr := cm.signaling.RespondToConnection(from, req.RequestID, false, err.Error(), nil); respErr != nil {
			cm.logger.Warnw("rejection delivery failed", "device_id", from, "error", respErr)
		}
	}

	if req.Options.Offer == nil {
		reject(apperrors.NewInvalidInputError("connection request without offer"))
		return
	}

	// Converge with any existing record for this device.
	cm.mu.Lock()
	var entry *connEntry
	var prev domain.ConnectionState
	if id, ok := cm.byDevice[from]; ok {
		// The peer is redriving the handshake; the fresh transport replaces
		// whatever this record currently holds.
		entry = cm.connections[id]
		prev = entry.conn.State
		entry.conn.State = domain.StateConnecting
		entry.attempts = 0
		entry.opts = req.Options
	} else {
		conn := &domain.Connection{
			ID:           domain.ConnectionID(utils.GenerateConnectionID()),
			RemoteDevice: from,
			State:        domain.StateConnecting,
			Transport:    domain.TransportDirect,
			CreatedAt:    time.Now(),
			LastActivity: time.Now(),
		}
		entry = &connEntry{conn: conn, opts: req.Options}
		cm.connections[conn.ID] = entry
		cm.byDevice[from] = conn.ID
	}
	id := entry.conn.ID
	staleTransport := entry.transportID
	cm.mu.Unlock()

	if staleTransport != "" {
		cm.transport.Close(staleTransport)
	}
	cm.emitState(id, from, prev, domain.StateConnecting)

	transportID, err := cm.transport.CreateConnection(ctx, from, req.Options.Channels)
	if err != nil {
		cm.markFailed(id)
		reject(err)
		return
	}
	cm.bindTransport(id, transportID)

	if err := cm.transport.SetRemoteDescription(ctx, transportID, *req.Options.Offer); err != nil {
		cm.transport.Close(transportID)
		cm.markFailed(id)
		reject(err)
		return
	}

	answer, err := cm.transport.CreateAnswer(ctx, transportID)
	if err != nil {
		cm.transport.Close(transportID)
		cm.markFailed(id)
		reject(err)
		return
	}

	if err := cm.signaling.RespondToConnection(from, req.RequestID, true, "", &answer); err != nil {
		cm.logger.Warnw("acceptance delivery failed", "device_id", from, "error", err)
	}
}

func (cm *ConnectionManager) handleOptimizerEvent(ev ports.OptimizerEvent) {
	if ev.Kind != ports.OptimizerConditionsChanged && ev.Kind != ports.OptimizerQualityChanged {
		return
	}

	if cm.metrics != nil && ev.Conditions.Latency > 0 {
		cm.metrics.RecordNetworkLatency(ev.Conditions.Latency)
	}

	snapshot := domain.QualitySnapshot{
		Settings:   ev.Settings,
		Conditions: ev.Conditions,
		Timestamp:  time.Now(),
	}

	cm.mu.Lock()
	type target struct {
		id     domain.ConnectionID
		device domain.DeviceID
	}
	targets := make([]target, 0, len(cm.connections))
	for id, entry := range cm.connections {
		if entry.conn.State != domain.StateConnected {
			continue
		}
		s := snapshot
		entry.conn.Quality = &s
		targets = append(targets, target{id: id, device: entry.conn.RemoteDevice})
	}
	cm.mu.Unlock()

	for _, t := range targets {
		if cm.metrics != nil {
			cm.metrics.QualityBitrate(t.device, snapshot.Settings.Video.BitrateBps)
		}
		s := snapshot
		cm.emit(ports.ManagerEvent{
			Kind:         ports.ManagerQualityUpdated,
			ConnectionID: t.id,
			DeviceID:     t.device,
			Quality:      &s,
		})
	}
}

// sweepStaleConnections detects silently-dead transports that never fired a
// state-change event.
func (cm *ConnectionManager) sweepStaleConnections() {
	cm.mu.RLock()
	var stale []domain.ConnectionID
	for id, entry := range cm.connections {
		if entry.conn.State == domain.StateConnected && utils.IsStale(entry.conn.LastActivity, cm.config.StaleTimeout) {
			stale = append(stale, id)
		}
	}
	cm.mu.RUnlock()

	for _, id := range stale {
		cm.logger.Warnw("connection stale, forcing loss handling", "connection_id", id)
		cm.handleConnectionLoss(id)
	}
}

// emitState publishes a state transition. prev is empty for brand-new
// records.
func (cm *ConnectionManager) emitState(id domain.ConnectionID, device domain.DeviceID, prev, state domain.ConnectionState) {
	if cm.metrics != nil {
		cm.metrics.ConnectionStateChanged(prev, state)
	}
	cm.emit(ports.ManagerEvent{
		Kind:         ports.ManagerConnectionState,
		ConnectionID: id,
		DeviceID:     device,
		State:        state,
	})
}

func (cm *ConnectionManager) emit(ev ports.ManagerEvent) {
	select {
	case cm.events <- ev:
	default:
		cm.logger.Warnw("manager event dropped, consumer too slow", "kind", ev.Kind)
	}
}
