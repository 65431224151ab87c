package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// conn is one client connection on the master. Inbound frames are processed
// in arrival order for this connection; outbound frames go through a FIFO
// send queue drained by a single writer goroutine.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	send   chan Message

	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	meta SyncClientInfo
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	id := newConnID()
	now := time.Now()
	return &conn{
		id:     id,
		server: s,
		ws:     ws,
		send:   make(chan Message, s.cfg.SendBuffer),
		closed: make(chan struct{}),
		meta: SyncClientInfo{
			ID:          id,
			RemoteAddr:  ws.RemoteAddr().String(),
			ConnectedAt: now,
			LastPing:    now,
		},
	}
}

func (c *conn) info() SyncClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *conn) remoteAddr() string { return c.info().RemoteAddr }

func (c *conn) touch() {
	c.mu.Lock()
	c.meta.LastPing = time.Now()
	c.mu.Unlock()
}

// trySend queues a frame without blocking. False means the queue is full.
func (c *conn) trySend(msg Message) bool {
	select {
	case <-c.closed:
		return true // drop silently, connection is going away
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// serve runs the connection: a writer goroutine plus the inbound read loop.
// Returns when the connection is gone.
func (c *conn) serve() {
	defer c.close()

	go c.writeLoop()

	welcome, err := NewMessage(MsgServerWelcome, "", WelcomePayload{
		ConnectionID: c.id,
		ServerTime:   time.Now(),
	})
	if err == nil {
		c.trySend(welcome)
	}

	c.readLoop()
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			raw, err := json.Marshal(msg)
			if err != nil {
				logger.Error("encode outbound frame failed", "conn_id", c.id, "type", msg.Type, "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop processes inbound frames until the connection drops. A malformed
// frame is logged and dropped; the connection survives.
func (c *conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("malformed frame dropped", "conn_id", c.id, "error", err)
			c.sendError("", CodeProtocolError, "malformed frame")
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg Message) {
	switch msg.Type {
	case MsgConnect, MsgHeartbeat, MsgClientPing:
		c.touch()
		c.reply(MsgServerPong, msg.ID, PongPayload{ServerTime: time.Now()})

	case MsgClientHandshake:
		c.handleHandshake(msg)

	case MsgEventEmit:
		c.handleEventEmit(msg)

	case MsgStorageSave, MsgStorageLoad, MsgStorageRemove, MsgStorageListKeys, MsgStorageClear, MsgStorageStats:
		c.handleStorage(msg)

	case MsgRPC:
		c.handleRPC(msg)

	default:
		logger.Warn("unknown message type dropped", "conn_id", c.id, "type", msg.Type)
		c.sendError(msg.ID, CodeProtocolError, "unknown message type "+msg.Type)
	}
}

func (c *conn) handleHandshake(msg Message) {
	var payload HandshakePayload
	if err := msg.Decode(&payload); err != nil {
		logger.Warn("bad handshake dropped", "conn_id", c.id, "error", err)
		c.sendError(msg.ID, CodeProtocolError, err.Error())
		return
	}

	c.mu.Lock()
	c.meta.DeviceName = payload.DeviceName
	c.meta.EmployeeID = payload.EmployeeID
	c.meta.ClientID = payload.ClientID
	c.meta.LastPing = time.Now()
	c.mu.Unlock()

	logger.Info("client handshake", "conn_id", c.id,
		"device", payload.DeviceName, "employee_id", payload.EmployeeID)
	c.reply(MsgServerReady, msg.ID, nil)
}

// handleEventEmit forwards a client-submitted event through the same
// acceptance path as local emission. The submitter learns the assigned id
// from the ack and sees the event again on the broadcast fan-out.
func (c *conn) handleEventEmit(msg Message) {
	var e events.Event
	if err := msg.Decode(&e); err != nil {
		logger.Warn("bad event.emit dropped", "conn_id", c.id, "error", err)
		c.sendError(msg.ID, CodeProtocolError, err.Error())
		return
	}

	id, err := c.server.log.Accept(e)
	if err != nil {
		c.sendError(msg.ID, CodeInternal, err.Error())
		return
	}
	c.reply(MsgEventEmit, msg.ID, map[string]string{"eventId": id})
}

func (c *conn) handleStorage(msg Message) {
	var req StorageRequest
	if err := msg.Decode(&req); err != nil {
		logger.Warn("bad storage request dropped", "conn_id", c.id, "type", msg.Type, "error", err)
		c.sendError(msg.ID, CodeProtocolError, err.Error())
		return
	}
	resp := c.execStorage(msg.Type, req)
	c.reply(MsgStorageResult, msg.ID, resp)
}

func (c *conn) execStorage(op string, req StorageRequest) StorageResponse {
	ctx := context.Background()
	st := c.server.store

	fail := func(err error) StorageResponse {
		c.server.metrics.RecordStoreOp(op, req.Tier, err)
		return StorageResponse{Error: err.Error()}
	}

	if op == MsgStorageStats {
		stats := st.Stats(ctx)
		c.server.metrics.RecordStoreOp(op, "", nil)
		return StorageResponse{OK: true, Stats: &stats}
	}

	tier, err := store.ParseTier(req.Tier)
	if err != nil {
		return fail(err)
	}

	switch op {
	case MsgStorageSave:
		key, err := keys.Parse(req.Key)
		if err != nil {
			return fail(err)
		}
		if err := st.Save(ctx, key, req.Value, tier); err != nil {
			return fail(err)
		}
	case MsgStorageLoad:
		key, err := keys.Parse(req.Key)
		if err != nil {
			return fail(err)
		}
		value, err := st.Load(ctx, key, tier)
		if err != nil {
			if store.IsNotFound(err) {
				c.server.metrics.RecordStoreOp(op, req.Tier, nil)
				return StorageResponse{OK: true, Found: false}
			}
			return fail(err)
		}
		c.server.metrics.RecordStoreOp(op, req.Tier, nil)
		return StorageResponse{OK: true, Found: true, Value: value}
	case MsgStorageRemove:
		key, err := keys.Parse(req.Key)
		if err != nil {
			return fail(err)
		}
		if err := st.Remove(ctx, key, tier); err != nil {
			return fail(err)
		}
	case MsgStorageListKeys:
		listed, err := st.ListKeys(ctx, tier, req.Prefix)
		if err != nil {
			return fail(err)
		}
		c.server.metrics.RecordStoreOp(op, req.Tier, nil)
		return StorageResponse{OK: true, Keys: listed}
	case MsgStorageClear:
		if err := st.ClearTier(ctx, tier); err != nil {
			return fail(err)
		}
	}

	c.server.metrics.RecordStoreOp(op, req.Tier, nil)
	return StorageResponse{OK: true}
}

func (c *conn) handleRPC(msg Message) {
	var req RPCRequest
	if err := msg.Decode(&req); err != nil {
		logger.Warn("bad rpc frame dropped", "conn_id", c.id, "error", err)
		c.sendError(msg.ID, CodeProtocolError, err.Error())
		return
	}
	resp := c.server.rpc.Dispatch(context.Background(), req)
	if resp.Code == CodeReservationConflict {
		c.server.metrics.RecordReservationConflict()
	}
	c.server.metrics.RecordRPC(req.Method, respErr(resp))
	c.reply(MsgRPCResult, msg.ID, resp)
}

func (c *conn) reply(msgType, id string, payload any) {
	msg, err := NewMessage(msgType, id, payload)
	if err != nil {
		logger.Error("encode reply failed", "conn_id", c.id, "type", msgType, "error", err)
		return
	}
	c.trySend(msg)
}

func (c *conn) sendError(id, code, detail string) {
	c.reply(MsgError, id, ErrorPayload{Code: code, Message: detail})
}
