package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// ClientConfig holds client-side replication configuration.
type ClientConfig struct {
	// URL is the master's sync endpoint, e.g. ws://till-master:7741/sync.
	URL string

	DeviceName string
	EmployeeID string
	ClientID   string
	Token      string

	// HeartbeatInterval is the client.ping cadence.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds one request/response round trip.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults for the given master URL.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    10 * time.Second,
	}
}

// RPCError is a structured failure returned by the master for one call.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// IsReservationConflict reports whether err is a stock-reservation refusal
// from the master.
func IsReservationConflict(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeReservationConflict
}

// Client is a terminal's connection to the master. It emits events through
// the master's acceptance path, proxies storage calls, issues RPCs, and
// surfaces the broadcast stream through a handler.
//
// A client holds one connection; it does not reconnect by itself. When the
// connection drops, Done is closed and the owner decides whether to dial
// again — missed broadcasts are not replayed.
type Client struct {
	cfg         ClientConfig
	onBroadcast func(events.Event)

	ws      *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Message

	connID string

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a disconnected client. onBroadcast may be nil.
func NewClient(cfg ClientConfig, onBroadcast func(events.Event)) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:         cfg,
		onBroadcast: onBroadcast,
		pending:     make(map[string]chan Message),
		done:        make(chan struct{}),
	}
}

// Connect dials the master, performs the handshake and starts the heartbeat
// loop. Returns once the master has signalled ready.
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial master at %s: %w", c.cfg.URL, err)
	}
	c.ws = ws

	c.wg.Add(1)
	go c.readLoop()

	handshake := HandshakePayload{
		DeviceName: c.cfg.DeviceName,
		EmployeeID: c.cfg.EmployeeID,
		ClientID:   c.cfg.ClientID,
		Token:      c.cfg.Token,
	}
	resp, err := c.request(ctx, MsgClientHandshake, handshake)
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake with master: %w", err)
	}
	if resp.Type != MsgServerReady {
		c.Close()
		return fmt.Errorf("handshake answered with %s, expected %s", resp.Type, MsgServerReady)
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	logger.Info("connected to master", "url", c.cfg.URL, "device", c.cfg.DeviceName)
	return nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// ConnectionID returns the id the master assigned, once welcomed.
func (c *Client) ConnectionID() string { return c.connID }

// Close tears the connection down and waits for the loops.
func (c *Client) Close() {
	c.shutdown()
	c.wg.Wait()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.failPending()
	})
}

// Emit submits an event to the master's acceptance path and returns the
// assigned event id.
func (c *Client) Emit(ctx context.Context, eventType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	resp, err := c.request(ctx, MsgEventEmit, events.Event{Type: eventType, Payload: raw})
	if err != nil {
		return "", err
	}
	var ack struct {
		EventID string `json:"eventId"`
	}
	if err := resp.Decode(&ack); err != nil {
		return "", err
	}
	return ack.EventID, nil
}

// Call issues one RPC and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = encoded
	}

	resp, err := c.request(ctx, MsgRPC, RPCRequest{Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	var result RPCResponse
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, &RPCError{Code: result.Code, Message: result.Error}
	}
	return result.Result, nil
}

// ConfirmOrder implements OrderConfirmer over the wire, so client-mode code
// confirms orders exactly like master-mode code does.
func (c *Client) ConfirmOrder(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	raw, err := c.Call(ctx, MethodOrderConfirm, req)
	if err != nil {
		return ConfirmResult{}, err
	}
	var result ConfirmResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ConfirmResult{}, fmt.Errorf("decode order.confirm result: %w", err)
	}
	return result, nil
}

// Save proxies a storage save to the master.
func (c *Client) Save(ctx context.Context, key string, value []byte, tier store.Tier) error {
	_, err := c.storage(ctx, MsgStorageSave, StorageRequest{Key: key, Value: value, Tier: tier.String()})
	return err
}

// Load proxies a storage load. Found is false on a benign miss.
func (c *Client) Load(ctx context.Context, key string, tier store.Tier) (value []byte, found bool, err error) {
	resp, err := c.storage(ctx, MsgStorageLoad, StorageRequest{Key: key, Tier: tier.String()})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Remove proxies a storage remove.
func (c *Client) Remove(ctx context.Context, key string, tier store.Tier) error {
	_, err := c.storage(ctx, MsgStorageRemove, StorageRequest{Key: key, Tier: tier.String()})
	return err
}

// ListKeys proxies a prefix listing.
func (c *Client) ListKeys(ctx context.Context, tier store.Tier, prefix string) ([]string, error) {
	resp, err := c.storage(ctx, MsgStorageListKeys, StorageRequest{Tier: tier.String(), Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// ClearTier proxies a tier clear.
func (c *Client) ClearTier(ctx context.Context, tier store.Tier) error {
	_, err := c.storage(ctx, MsgStorageClear, StorageRequest{Tier: tier.String()})
	return err
}

// Stats proxies a stats query.
func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	resp, err := c.storage(ctx, MsgStorageStats, StorageRequest{})
	if err != nil {
		return store.Stats{}, err
	}
	if resp.Stats == nil {
		return store.Stats{}, fmt.Errorf("stats response without stats")
	}
	return *resp.Stats, nil
}

func (c *Client) storage(ctx context.Context, op string, req StorageRequest) (StorageResponse, error) {
	resp, err := c.request(ctx, op, req)
	if err != nil {
		return StorageResponse{}, err
	}
	var result StorageResponse
	if err := resp.Decode(&result); err != nil {
		return StorageResponse{}, err
	}
	if !result.OK {
		return StorageResponse{}, fmt.Errorf("%s failed: %s", op, result.Error)
	}
	return result, nil
}

// request sends one correlated frame and waits for its response.
func (c *Client) request(ctx context.Context, msgType string, payload any) (Message, error) {
	id := uuid.NewString()
	msg, err := NewMessage(msgType, id, payload)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return Message{}, err
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, fmt.Errorf("connection closed awaiting %s", msgType)
		}
		if resp.Type == MsgError {
			var ep ErrorPayload
			if err := resp.Decode(&ep); err == nil {
				return Message{}, &RPCError{Code: ep.Code, Message: ep.Message}
			}
			return Message{}, fmt.Errorf("%s rejected", msgType)
		}
		return resp, nil
	case <-timeout.C:
		return Message{}, fmt.Errorf("%s timed out after %s", msgType, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, fmt.Errorf("connection closed awaiting %s", msgType)
	}
}

func (c *Client) write(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logger.Warn("master connection lost", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("malformed frame from master dropped", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case MsgEventBroadcast:
		var e events.Event
		if err := msg.Decode(&e); err != nil {
			logger.Warn("undecodable broadcast dropped", "error", err)
			return
		}
		if c.onBroadcast != nil {
			c.onBroadcast(e)
		}
		return

	case MsgServerWelcome:
		var welcome WelcomePayload
		if err := msg.Decode(&welcome); err == nil {
			c.connID = welcome.ConnectionID
			logger.Debug("welcomed by master", "conn_id", c.connID)
		}
		return
	}

	if msg.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
			ch <- msg
		}
		c.pendingMu.Unlock()
		if ok {
			return
		}
	}

	switch msg.Type {
	case MsgServerPong:
		// Uncorrelated pong, heartbeat answer.
	case MsgError:
		var ep ErrorPayload
		if err := msg.Decode(&ep); err == nil {
			logger.Warn("master reported error", "code", ep.Code, "detail", ep.Message)
		}
	default:
		logger.Debug("unexpected frame from master dropped", "type", msg.Type)
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			msg, err := NewMessage(MsgClientPing, "", nil)
			if err != nil {
				continue
			}
			if err := c.write(msg); err != nil {
				logger.Warn("heartbeat write failed", "error", err)
				c.shutdown()
				return
			}
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
