package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RelayConfig holds relay server configuration.
type RelayConfig struct {
	InstanceID        string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	RequireAuth       bool
	JWTSecret         string
}

// EnvelopeForwarder hands envelopes to devices registered on other relay
// instances. Single-instance deployments run without one.
type EnvelopeForwarder interface {
	Forward(ctx context.Context, instanceID string, env domain.SignalEnvelope) error
	Broadcast(ctx context.Context, env domain.SignalEnvelope) error
}

// RelayMetrics is the sink for relay routing instrumentation.
type RelayMetrics interface {
	RecordEnvelopeRouted(envType domain.EnvelopeType)
}

type relayConn struct {
	device  domain.DeviceID
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex

	seenMu   sync.Mutex
	lastSeen time.Time
}

func (rc *relayConn) touch() {
	rc.seenMu.Lock()
	rc.lastSeen = time.Now()
	rc.seenMu.Unlock()
}

func (rc *relayConn) seen() time.Time {
	rc.seenMu.Lock()
	defer rc.seenMu.Unlock()
	return rc.lastSeen
}

// Relay is the store-and-forward envelope router the signaling clients talk
// to. The production deployment runs it standalone; tests run it in-process.
type Relay struct {
	config    RelayConfig
	registry  ports.PresenceRegistry
	verifier  *TokenVerifier
	forwarder EnvelopeForwarder
	metrics   RelayMetrics

	mu    sync.RWMutex
	conns map[domain.DeviceID]*relayConn

	logger *zap.SugaredLogger
}

// NewRelay creates a new relay server.
func NewRelay(config RelayConfig, registry ports.PresenceRegistry, logger *zap.SugaredLogger) *Relay {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = 100
	}
	if config.Burst <= 0 {
		config.Burst = 200
	}
	r := &Relay{
		config:   config,
		registry: registry,
		conns:    make(map[domain.DeviceID]*relayConn),
		logger:   logger,
	}
	if config.RequireAuth {
		r.verifier = NewTokenVerifier(config.JWTSecret)
	}
	return r
}

// SetForwarder attaches the cross-instance envelope forwarder. Call before
// serving traffic.
func (r *Relay) SetForwarder(f EnvelopeForwarder) {
	r.forwarder = f
}

// SetMetrics attaches the routing metrics sink. Call before serving traffic.
func (r *Relay) SetMetrics(m RelayMetrics) {
	r.metrics = m
}

// HandleWebSocket upgrades and serves one device connection.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	deviceID, err := r.authenticate(req)
	if err != nil {
		r.logger.Warnw("relay auth failed", "remote", req.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	rc := &relayConn{
		device:   deviceID,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(r.config.MessagesPerSecond), r.config.Burst),
		lastSeen: time.Now(),
	}

	// A reconnecting device replaces its stale registration.
	r.mu.Lock()
	if old, ok := r.conns[deviceID]; ok && old.conn != nil {
		old.conn.Close()
		r.logger.Infow("closing old connection for reconnecting device", "device_id", deviceID)
	}
	r.conns[deviceID] = rc
	r.mu.Unlock()

	ctx := req.Context()
	if err := r.registry.Register(ctx, deviceID, r.config.InstanceID); err != nil {
		r.logger.Warnw("presence registration failed", "device_id", deviceID, "error", err)
	}
	r.logger.Infow("device connected", "device_id", deviceID)

	conn.SetReadDeadline(time.Now().Add(r.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.config.PongTimeout))
		rc.touch()
		return nil
	})

	pingTicker := time.NewTicker(r.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.SignalEnvelope, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var env domain.SignalEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(r.config.PongTimeout))
			messageChan <- env
		}
	}()

	for {
		select {
		case env := <-messageChan:
			if !rc.limiter.Allow() {
				r.sendError(rc, "RATE_LIMITED", "message rate limit exceeded")
				continue
			}
			rc.touch()
			if err := r.route(ctx, rc, env); err != nil {
				r.logger.Debugw("error routing envelope",
					"device_id", deviceID,
					"type", env.Type,
					"error", err,
				)
			}

		case <-pingTicker.C:
			rc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			rc.writeMu.Unlock()
			if err != nil {
				r.logger.Infow("error sending ping", "device_id", deviceID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.logger.Infow("error reading from device", "device_id", deviceID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	// A reconnected device already owns a fresh conn entry and a fresh
	// presence registration; the old handler must not tear either down.
	r.mu.Lock()
	current := r.conns[deviceID] == rc
	if current {
		delete(r.conns, deviceID)
	}
	r.mu.Unlock()
	if !current {
		return
	}

	if err := r.registry.Unregister(context.Background(), deviceID); err != nil {
		r.logger.Debugw("presence unregister failed", "device_id", deviceID, "error", err)
	}
	r.logger.Infow("device disconnected", "device_id", deviceID)
}

func (r *Relay) authenticate(req *http.Request) (domain.DeviceID, error) {
	if r.verifier != nil {
		return r.verifier.Verify(req.URL.Query().Get("token"))
	}
	deviceID := domain.DeviceID(req.URL.Query().Get("device_id"))
	if deviceID == "" {
		return "", errMissingDeviceID
	}
	return deviceID, nil
}

// route forwards an envelope to its destination. The relay never assumes
// state beyond routing.
func (r *Relay) route(ctx context.Context, from *relayConn, env domain.SignalEnvelope) error {
	// The sender cannot speak for another device.
	if env.From != "" && env.From != from.device {
		r.sendError(from, "FROM_MISMATCH", "envelope from does not match registered device")
		return nil
	}
	env.From = from.device
	if r.metrics != nil {
		r.metrics.RecordEnvelopeRouted(env.Type)
	}

	switch {
	case env.Type == domain.EnvelopeHeartbeat || env.To == domain.RelayTarget:
		// Liveness info only, consumed here.
		return nil

	case env.To == domain.BroadcastTarget:
		r.mu.RLock()
		targets := make([]*relayConn, 0, len(r.conns))
		for id, rc := range r.conns {
			if id != from.device {
				targets = append(targets, rc)
			}
		}
		r.mu.RUnlock()
		for _, rc := range targets {
			if err := r.writeEnvelope(rc, env); err != nil {
				r.logger.Debugw("broadcast delivery failed", "to", rc.device, "error", err)
			}
		}
		if r.forwarder != nil {
			if err := r.forwarder.Broadcast(ctx, env); err != nil {
				r.logger.Debugw("cross-instance broadcast failed", "error", err)
			}
		}
		return nil

	default:
		r.mu.RLock()
		target, ok := r.conns[env.To]
		r.mu.RUnlock()
		if ok {
			return r.writeEnvelope(target, env)
		}
		// The device may be registered with another relay instance.
		if r.forwarder != nil {
			if instance, err := r.registry.Lookup(ctx, env.To); err == nil && instance != r.config.InstanceID {
				return r.forwarder.Forward(ctx, instance, env)
			}
		}
		r.sendError(from, "DEVICE_NOT_FOUND", "target device is not connected")
		return domain.ErrDeviceNotFound
	}
}

// DeliverLocal writes an envelope received from another relay instance to
// the locally connected target device. Wired as the envelope bus handler.
func (r *Relay) DeliverLocal(env domain.SignalEnvelope) {
	if env.To == domain.BroadcastTarget {
		r.mu.RLock()
		targets := make([]*relayConn, 0, len(r.conns))
		for id, rc := range r.conns {
			if id != env.From {
				targets = append(targets, rc)
			}
		}
		r.mu.RUnlock()
		for _, rc := range targets {
			if err := r.writeEnvelope(rc, env); err != nil {
				r.logger.Debugw("forwarded broadcast delivery failed", "to", rc.device, "error", err)
			}
		}
		return
	}

	r.mu.RLock()
	target, ok := r.conns[env.To]
	r.mu.RUnlock()
	if !ok {
		// The device moved or dropped while the envelope was in flight.
		r.logger.Debugw("forwarded envelope has no local target", "to", env.To, "type", env.Type)
		return
	}
	if err := r.writeEnvelope(target, env); err != nil {
		r.logger.Debugw("forwarded envelope delivery failed", "to", env.To, "error", err)
	}
}

func (r *Relay) writeEnvelope(rc *relayConn, env domain.SignalEnvelope) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	return rc.conn.WriteJSON(env)
}

func (r *Relay) sendError(rc *relayConn, code, message string) {
	data, err := json.Marshal(domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	env := domain.SignalEnvelope{
		Type:      domain.EnvelopeError,
		From:      domain.RelayTarget,
		To:        rc.device,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := r.writeEnvelope(rc, env); err != nil {
		r.logger.Debugw("error envelope delivery failed", "to", rc.device, "error", err)
	}
}

// ConnectedDevices returns the devices currently registered with this
// instance.
func (r *Relay) ConnectedDevices() []domain.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]domain.DeviceID, 0, len(r.conns))
	for id := range r.conns {
		devices = append(devices, id)
	}
	return devices
}

// DeviceStatus describes one locally connected device.
type DeviceStatus struct {
	DeviceID domain.DeviceID `json:"device_id"`
	LastSeen time.Time       `json:"last_seen"`
}

// DeviceStatuses returns the connected devices with their last activity
// stamp (message received or pong answered).
func (r *Relay) DeviceStatuses() []DeviceStatus {
	r.mu.RLock()
	conns := make([]*relayConn, 0, len(r.conns))
	for _, rc := range r.conns {
		conns = append(conns, rc)
	}
	r.mu.RUnlock()

	statuses := make([]DeviceStatus, 0, len(conns))
	for _, rc := range conns {
		statuses = append(statuses, DeviceStatus{DeviceID: rc.device, LastSeen: rc.seen()})
	}
	return statuses
}

// HealthCheck reports relay liveness.
func (r *Relay) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	connected := len(r.conns)
	r.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"connected": connected,
	})
}
