package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
	"github.com/r0nw4lk3r31/tillcore/pkg/stock"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// RPC method names served by the master.
const (
	MethodTableGetAll        = "table.getAll"
	MethodProductGetAll      = "product.getAll"
	MethodCategoryGetAll     = "category.getAll"
	MethodEmployeeGetClocked = "employee.getClockedIn"
	MethodStockGetAll        = "stock.getAll"
	MethodOrderConfirm       = "order.confirm"
)

// MethodFunc handles one RPC method. The returned value is JSON-encoded
// into the response.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// LevelLister exposes current stock positions for stock.getAll.
type LevelLister interface {
	Levels() []stock.Level
}

// Dispatcher routes rpc frames to named methods. A failed call produces a
// structured failure response for the requesting client only; it never
// affects the connection or other clients.
type Dispatcher struct {
	methods map[string]MethodFunc
}

// NewDispatcher creates a dispatcher pre-wired with the standard read
// methods and order confirmation. levels may be nil (stock.getAll then
// reports an empty list); confirmer may be nil (order.confirm then fails
// with an internal error).
func NewDispatcher(engine projection.Engine, st *store.TieredStore, confirmer OrderConfirmer, levels LevelLister) *Dispatcher {
	d := &Dispatcher{methods: make(map[string]MethodFunc)}

	d.Register(MethodTableGetAll, func(context.Context, json.RawMessage) (any, error) {
		return projectionState(engine, projection.TablesID)
	})
	d.Register(MethodEmployeeGetClocked, func(context.Context, json.RawMessage) (any, error) {
		return projectionState(engine, projection.StaffID)
	})
	d.Register(MethodProductGetAll, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return collectKind(ctx, st, keys.KindProduct)
	})
	d.Register(MethodCategoryGetAll, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return collectKind(ctx, st, keys.KindCategory)
	})
	d.Register(MethodStockGetAll, func(context.Context, json.RawMessage) (any, error) {
		if levels == nil {
			return []stock.Level{}, nil
		}
		return levels.Levels(), nil
	})
	d.Register(MethodOrderConfirm, func(ctx context.Context, params json.RawMessage) (any, error) {
		if confirmer == nil {
			return nil, errors.New("order confirmation not available on this node")
		}
		var req ConfirmRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("decode order.confirm params: %w", err)
		}
		return confirmer.ConfirmOrder(ctx, req)
	})

	return d
}

// Register adds or replaces a method.
func (d *Dispatcher) Register(method string, fn MethodFunc) {
	d.methods[method] = fn
}

// Dispatch runs one call and always returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req RPCRequest) RPCResponse {
	fn, ok := d.methods[req.Method]
	if !ok {
		return RPCResponse{Error: "unknown method " + req.Method, Code: CodeUnknownMethod}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		code := CodeInternal
		if stock.IsConflict(err) {
			code = CodeReservationConflict
		}
		logger.Debug("rpc call failed", "method", req.Method, "code", code, "error", err)
		return RPCResponse{Error: err.Error(), Code: code}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return RPCResponse{Error: fmt.Sprintf("encode %s result: %v", req.Method, err), Code: CodeInternal}
	}
	return RPCResponse{OK: true, Result: raw}
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

func projectionState(engine projection.Engine, id string) (any, error) {
	state, ok := engine.GetState(id)
	if !ok {
		return nil, fmt.Errorf("projection %s not registered", id)
	}
	return state, nil
}

// collectKind loads every value of one key kind from the cold tier.
func collectKind(ctx context.Context, st *store.TieredStore, kind keys.Kind) ([]json.RawMessage, error) {
	ks, err := st.ListKind(ctx, store.TierCold, kind)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(ks))
	for _, key := range ks {
		value, err := st.Load(ctx, key, store.TierCold)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, json.RawMessage(value))
	}
	return out, nil
}

func respErr(resp RPCResponse) error {
	if resp.OK {
		return nil
	}
	return errors.New(resp.Error)
}
