// Package replication connects many terminal processes to one master.
//
// The master holds the authoritative event log and store. Clients connect
// over a persistent websocket, submit events through the same acceptance
// path as local emission, proxy storage operations, and receive every
// committed event in the master's commit order. Broadcast is best effort:
// there is no persisted outbox, so a client that is offline misses the live
// broadcasts and only receives a ready signal on reconnect.
package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Message types on the replication wire. Every frame is one JSON-encoded
// Message; Type discriminates, ID correlates requests with responses.
const (
	MsgConnect         = "connect"
	MsgHeartbeat       = "heartbeat"
	MsgClientHandshake = "client.handshake"
	MsgClientPing      = "client.ping"
	MsgServerPong      = "server.pong"
	MsgEventEmit       = "event.emit"
	MsgEventBroadcast  = "event.broadcast"
	MsgStorageSave     = "storage.save"
	MsgStorageLoad     = "storage.load"
	MsgStorageRemove   = "storage.remove"
	MsgStorageListKeys = "storage.listKeys"
	MsgStorageClear    = "storage.clearTier"
	MsgStorageStats    = "storage.getStats"
	MsgStorageResult   = "storage.result"
	MsgRPC             = "rpc"
	MsgRPCResult       = "rpc.result"
	MsgServerWelcome   = "server.welcome"
	MsgServerReady     = "server.ready"
	MsgError           = "error"
)

// Message is the wire envelope.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message with a JSON-encoded payload. A nil payload
// produces an empty payload field.
func NewMessage(msgType, id string, payload any) (Message, error) {
	msg := Message{Type: msgType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into the given destination.
func (m Message) Decode(into any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// HandshakePayload identifies the terminal behind a connection.
type HandshakePayload struct {
	DeviceName string `json:"deviceName"`
	EmployeeID string `json:"employeeId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	Token      string `json:"token,omitempty"`
}

// WelcomePayload is the master's first frame on a new connection.
type WelcomePayload struct {
	ConnectionID string    `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// PongPayload answers client.ping and heartbeat.
type PongPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

// StorageRequest is the payload of storage.* requests. Tier is the tier
// name; Value is raw bytes (base64 on the wire via encoding/json).
type StorageRequest struct {
	Key    string `json:"key,omitempty"`
	Tier   string `json:"tier"`
	Value  []byte `json:"value,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// StorageResponse is the payload of storage.result.
type StorageResponse struct {
	OK    bool         `json:"ok"`
	Found bool         `json:"found,omitempty"`
	Value []byte       `json:"value,omitempty"`
	Keys  []string     `json:"keys,omitempty"`
	Stats *store.Stats `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
}

// RPCRequest is the payload of rpc frames.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the payload of rpc.result frames. A failed call carries a
// structured error for the requesting client only.
type RPCResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// ErrorPayload is the payload of error frames. The connection survives; the
// frame only reports a dropped or rejected message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used on the wire.
const (
	CodeProtocolError       = "protocol_error"
	CodeUnknownMethod       = "unknown_method"
	CodeReservationConflict = "reservation_conflict"
	CodeStorageError        = "storage_error"
	CodeInternal            = "internal"
)
