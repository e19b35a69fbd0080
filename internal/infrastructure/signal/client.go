package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"
	"peerlink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig holds signaling client configuration.
type ClientConfig struct {
	URL                  string
	DeviceID             domain.DeviceID
	Token                string
	Capabilities         domain.DeviceCapabilities
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

type pendingRequest struct {
	ch    chan *domain.ConnectionResponseData
	timer *time.Timer
}

type discoverySession struct {
	mu      sync.Mutex
	results map[domain.DeviceID]domain.DiscoveryResult
}

// Client maintains one persistent websocket connection to the relay, queues
// outbound envelopes while disconnected and correlates request/response
// pairs by request ID.
type Client struct {
	config ClientConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	outQueue  []domain.SignalEnvelope
	pending   map[string]*pendingRequest
	discovery *discoverySession
	hbStop    chan struct{}

	writeMu sync.Mutex
	events  chan ports.SignalEvent
	logger  *zap.SugaredLogger
}

// NewClient creates a new signaling client.
func NewClient(config ClientConfig, logger *zap.SugaredLogger) *Client {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = time.Second
	}
	return &Client{
		config:  config,
		pending: make(map[string]*pendingRequest),
		events:  make(chan ports.SignalEvent, 64),
		logger:  logger,
	}
}

// LocalDevice returns the device ID used as `from` in every envelope.
func (c *Client) LocalDevice() domain.DeviceID {
	return c.config.DeviceID
}

// Events returns the client's event stream. Single consumer.
func (c *Client) Events() <-chan ports.SignalEvent {
	return c.events
}

// Connect opens the persistent transport to the relay. A second call while
// already connected is a no-op warning.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		c.logger.Warnw("signaling already connected", "device_id", c.config.DeviceID)
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return apperrors.NewConnectionFailed(err)
	}
	q := u.Query()
	q.Set("device_id", string(c.config.DeviceID))
	if c.config.Token != "" {
		q.Set("token", c.config.Token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if netErr, ok := err.(net.Error); (ok && netErr.Timeout()) || dialCtx.Err() == context.DeadlineExceeded {
			return apperrors.NewConnectionTimeout(
				fmt.Sprintf("relay did not confirm connection within %s", c.config.ConnectTimeout))
		}
		return apperrors.NewConnectionFailed(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	queued := c.outQueue
	c.outQueue = nil
	c.hbStop = make(chan struct{})
	hbStop := c.hbStop
	c.mu.Unlock()

	c.logger.Infow("signaling connected",
		"url", c.config.URL,
		"device_id", c.config.DeviceID,
		"queued", len(queued),
	)

	// Flush the outbound queue in original order before anything else.
	for i, env := range queued {
		if err := c.write(env); err != nil {
			c.mu.Lock()
			c.outQueue = append(queued[i:], c.outQueue...)
			c.mu.Unlock()
			break
		}
	}

	go c.readLoop(conn)
	go c.heartbeatLoop(hbStop)
	return nil
}

// Disconnect closes the connection intentionally; no reconnection follows.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.connected = false
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Send transmits an envelope immediately when the transport is live,
// otherwise appends it to the FIFO outbound queue flushed after reconnect.
func (c *Client) Send(env domain.SignalEnvelope) error {
	c.stamp(&env)

	c.mu.Lock()
	if !c.connected {
		c.outQueue = append(c.outQueue, env)
		queued := len(c.outQueue)
		c.mu.Unlock()
		c.logger.Debugw("envelope queued while disconnected",
			"type", env.Type,
			"to", env.To,
			"queue_depth", queued,
		)
		return nil
	}
	c.mu.Unlock()

	if err := c.write(env); err != nil {
		// The read loop will notice the broken transport; keep the envelope.
		c.mu.Lock()
		c.outQueue = append(c.outQueue, env)
		c.mu.Unlock()
		return nil
	}
	return nil
}

func (c *Client) stamp(env *domain.SignalEnvelope) {
	if env.From == "" {
		env.From = c.config.DeviceID
	}
	if env.MessageID == "" {
		env.MessageID = utils.GenerateMessageID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
}

func (c *Client) write(env domain.SignalEnvelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// RequestConnection sends a connection request and waits for the correlated
// response.
func (c *Client) RequestConnection(ctx context.Context, target domain.DeviceID, opts domain.HandshakeOptions) (*domain.ConnectionResponseData, error) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(domain.EnvelopeConnectionRequest), string(target))
	defer span.End()

	requestID := utils.GenerateRequestID()

	// The channel is buffered and never closed: the timer and the read loop
	// both claim the pending entry under c.mu, and only the claimant sends,
	// so exactly one value arrives. A nil value means timeout.
	req := &pendingRequest{ch: make(chan *domain.ConnectionResponseData, 1)}

	// Registration and timer arming share one critical section so anyone
	// claiming the entry afterwards sees a fully built request.
	c.mu.Lock()
	c.pending[requestID] = req
	req.timer = time.AfterFunc(c.config.RequestTimeout, func() {
		c.mu.Lock()
		_, ok := c.pending[requestID]
		if ok {
			delete(c.pending, requestID)
		}
		c.mu.Unlock()
		if ok {
			req.ch <- nil
		}
	})
	c.mu.Unlock()

	data, err := json.Marshal(domain.ConnectionRequestData{RequestID: requestID, Options: opts})
	if err != nil {
		c.removePending(requestID)
		return nil, err
	}
	if err := c.Send(domain.SignalEnvelope{
		Type: domain.EnvelopeConnectionRequest,
		To:   target,
		Data: data,
	}); err != nil {
		c.removePending(requestID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.removePending(requestID)
		return nil, ctx.Err()
	case resp := <-req.ch:
		if resp == nil {
			return nil, apperrors.NewRequestTimeout(requestID).WithContext("target", string(target))
		}
		if !resp.Accepted {
			reason := resp.Error
			if reason == "" {
				reason = "connection rejected"
			}
			return resp, apperrors.NewConnectionRejected(reason).WithContext("target", string(target))
		}
		return resp, nil
	}
}

func (c *Client) removePending(requestID string) {
	c.mu.Lock()
	req, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		req.timer.Stop()
	}
}

// RespondToConnection sends the correlated response envelope.
func (c *Client) RespondToConnection(to domain.DeviceID, requestID string, accepted bool, errMsg string, answer *domain.DescriptorPayload) error {
	data, err := json.Marshal(domain.ConnectionResponseData{
		RequestID: requestID,
		Accepted:  accepted,
		Error:     errMsg,
		Answer:    answer,
	})
	if err != nil {
		return err
	}
	return c.Send(domain.SignalEnvelope{
		Type: domain.EnvelopeConnectionResponse,
		To:   to,
		Data: data,
	})
}

// SendCandidate forwards one local NAT-traversal candidate to a peer.
func (c *Client) SendCandidate(to domain.DeviceID, cand domain.CandidatePayload) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.Send(domain.SignalEnvelope{Type: domain.EnvelopeICECandidate, To: to, Data: data})
}

// SendClose notifies a peer that a connection is being torn down.
func (c *Client) SendClose(to domain.DeviceID, reason string) error {
	data, err := json.Marshal(domain.ClosePayload{Reason: reason})
	if err != nil {
		return err
	}
	return c.Send(domain.SignalEnvelope{Type: domain.EnvelopeConnectionClose, To: to, Data: data})
}

// DiscoverDevices broadcasts a discovery envelope and accumulates responses
// until the window elapses. Discovery is best-effort: an empty result is not
// an error.
func (c *Client) DiscoverDevices(ctx context.Context, window time.Duration) ([]domain.DiscoveryResult, error) {
	session := &discoverySession{results: make(map[domain.DeviceID]domain.DiscoveryResult)}

	c.mu.Lock()
	c.discovery = session
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.discovery = nil
		c.mu.Unlock()
	}()

	if err := c.Send(domain.SignalEnvelope{
		Type: domain.EnvelopeDeviceDiscovery,
		To:   domain.BroadcastTarget,
	}); err != nil {
		c.logger.Warnw("discovery broadcast failed", "error", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(window):
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	results := make([]domain.DiscoveryResult, 0, len(session.results))
	for _, r := range session.results {
		results = append(results, r)
	}
	return results, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env domain.SignalEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(env)
	}
}

// dispatch routes every inbound envelope by type.
func (c *Client) dispatch(env domain.SignalEnvelope) {
	switch env.Type {
	case domain.EnvelopeOffer:
		var desc domain.DescriptorPayload
		if err := json.Unmarshal(env.Data, &desc); err != nil {
			c.logger.Warnw("malformed offer payload", "from", env.From, "error", err)
			return
		}
		c.emit(ports.SignalEvent{Kind: ports.SignalOffer, From: env.From, Descriptor: &desc})

	case domain.EnvelopeAnswer:
		var desc domain.DescriptorPayload
		if err := json.Unmarshal(env.Data, &desc); err != nil {
			c.logger.Warnw("malformed answer payload", "from", env.From, "error", err)
			return
		}
		c.emit(ports.SignalEvent{Kind: ports.SignalAnswer, From: env.From, Descriptor: &desc})

	case domain.EnvelopeICECandidate:
		var cand domain.CandidatePayload
		if err := json.Unmarshal(env.Data, &cand); err != nil {
			c.logger.Warnw("malformed candidate payload", "from", env.From, "error", err)
			return
		}
		c.emit(ports.SignalEvent{Kind: ports.SignalCandidate, From: env.From, Candidate: &cand})

	case domain.EnvelopeConnectionRequest:
		var req domain.ConnectionRequestData
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.logger.Warnw("malformed connection request", "from", env.From, "error", err)
			return
		}
		c.emit(ports.SignalEvent{Kind: ports.SignalConnectionRequest, From: env.From, Request: &req})

	case domain.EnvelopeConnectionResponse:
		var resp domain.ConnectionResponseData
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			c.logger.Warnw("malformed connection response", "from", env.From, "error", err)
			return
		}
		c.resolvePending(&resp)

	case domain.EnvelopeConnectionClose:
		var payload domain.ClosePayload
		_ = json.Unmarshal(env.Data, &payload)
		c.emit(ports.SignalEvent{Kind: ports.SignalConnectionClose, From: env.From, Reason: payload.Reason})

	case domain.EnvelopeDeviceDiscovery:
		// Skip self-originated discovery requests.
		if env.From == c.config.DeviceID {
			return
		}
		c.answerDiscovery(env.From)

	case domain.EnvelopeDeviceResponse:
		if env.From == c.config.DeviceID {
			return
		}
		var result domain.DiscoveryResult
		if err := json.Unmarshal(env.Data, &result); err != nil {
			c.logger.Warnw("malformed discovery response", "from", env.From, "error", err)
			return
		}
		result.DeviceID = env.From
		result.SeenAt = time.Now()
		c.collectDiscovery(result)

	case domain.EnvelopeHeartbeat:
		// Informational only.

	case domain.EnvelopeError:
		var payload domain.ErrorPayload
		_ = json.Unmarshal(env.Data, &payload)
		c.emit(ports.SignalEvent{
			Kind:   ports.SignalError,
			From:   env.From,
			Reason: payload.Message,
			Err:    fmt.Errorf("relay error %s: %s", payload.Code, payload.Message),
		})

	default:
		c.logger.Warnw("unknown envelope type", "type", env.Type, "from", env.From)
	}
}

func (c *Client) resolvePending(resp *domain.ConnectionResponseData) {
	c.mu.Lock()
	req, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debugw("response without pending request", "request_id", resp.RequestID)
		return
	}
	req.timer.Stop()
	req.ch <- resp
}

func (c *Client) answerDiscovery(to domain.DeviceID) {
	data, err := json.Marshal(domain.DiscoveryResult{
		DeviceID:      c.config.DeviceID,
		Capabilities:  c.config.Capabilities,
		SignalQuality: 1.0,
		SeenAt:        time.Now(),
	})
	if err != nil {
		return
	}
	if err := c.Send(domain.SignalEnvelope{
		Type: domain.EnvelopeDeviceResponse,
		To:   to,
		Data: data,
	}); err != nil {
		c.logger.Debugw("discovery response failed", "to", to, "error", err)
	}
}

func (c *Client) collectDiscovery(result domain.DiscoveryResult) {
	c.mu.Lock()
	session := c.discovery
	c.mu.Unlock()
	if session == nil {
		return
	}
	session.mu.Lock()
	session.results[result.DeviceID] = result
	session.mu.Unlock()
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(domain.SignalEnvelope{
				Type: domain.EnvelopeHeartbeat,
				To:   domain.RelayTarget,
			}); err != nil {
				c.logger.Debugw("heartbeat send failed", "error", err)
			}
		}
	}
}

// handleDisconnect schedules reconnection with exponential backoff unless
// the caller initiated the disconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	closing := c.closing
	c.connected = false
	c.conn = nil
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()

	conn.Close()

	if closing {
		return
	}

	c.logger.Warnw("signaling transport lost, reconnecting",
		"device_id", c.config.DeviceID,
		"error", cause,
	)
	go c.reconnect()
}

func (c *Client) reconnect() {
	cfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  c.config.MaxReconnectAttempts,
		InitialDelay: c.config.ReconnectBaseDelay,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}

	err := retry.Retry(context.Background(), cfg, func() error {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.dial(context.Background())
	})
	if err != nil {
		// Terminal: the caller must Connect again explicitly.
		c.logger.Errorw("signaling reconnection attempts exhausted",
			"device_id", c.config.DeviceID,
			"attempts", c.config.MaxReconnectAttempts,
			"error", err,
		)
		c.emit(ports.SignalEvent{Kind: ports.SignalReconnectFailed, Err: err})
		return
	}

	c.mu.Lock()
	reconnected := c.connected
	c.mu.Unlock()
	if reconnected {
		c.emit(ports.SignalEvent{Kind: ports.SignalReconnected})
	}
}

func (c *Client) emit(ev ports.SignalEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("signal event dropped, consumer too slow", "kind", ev.Kind)
	}
}
