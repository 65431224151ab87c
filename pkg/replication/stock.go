package replication

import (
	"context"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
	"github.com/r0nw4lk3r31/tillcore/pkg/stock"
)

// ConfirmRequest is the order.confirm call: reserve stock for every line of
// an order being placed on a table.
type ConfirmRequest struct {
	TableID string                 `json:"tableId"`
	StaffID string                 `json:"staffId,omitempty"`
	Items   []projection.OrderItem `json:"items"`
}

// ConfirmResult reports a fully reserved order.
type ConfirmResult struct {
	Reserved int    `json:"reserved"`
	EventID  string `json:"eventId,omitempty"`
}

// OrderConfirmer is the order-confirmation capability injected into the
// dispatcher. The reservation's atomicity lives behind this port: either
// every item is held or the call fails naming the item that did not fit.
type OrderConfirmer interface {
	ConfirmOrder(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}

// StockConfirmer confirms orders against a stock repository and emits the
// order-created event on success.
type StockConfirmer struct {
	repo stock.Repository
	log  events.Log
}

// NewStockConfirmer wires a confirmer over a repository and event log.
func NewStockConfirmer(repo stock.Repository, log events.Log) *StockConfirmer {
	return &StockConfirmer{repo: repo, log: log}
}

// ConfirmOrder implements OrderConfirmer.
func (s *StockConfirmer) ConfirmOrder(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	reserve := stock.ReserveRequest{
		TableID: req.TableID,
		StaffID: req.StaffID,
		Items:   make([]stock.ReserveItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		reserve.Items = append(reserve.Items, stock.ReserveItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	result, err := s.repo.ReserveStock(ctx, reserve)
	if err != nil {
		return ConfirmResult{}, err
	}

	eventID, err := s.log.Emit(projection.EventOrderCreated, projection.OrderCreatedPayload{
		TableID:  req.TableID,
		Items:    req.Items,
		Reserved: result.Reserved,
	})
	if err != nil {
		// The hold stands; only the notification failed.
		logger.Error("order confirmed but order.created emit failed",
			"table_id", req.TableID, "error", err)
	}

	return ConfirmResult{Reserved: result.Reserved, EventID: eventID}, nil
}
