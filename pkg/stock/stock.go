// Package stock defines the stock-reservation contract the replication
// server depends on, plus the in-memory reference implementation.
//
// The authoritative stock logic lives in the domain repository; the core only
// requires the atomicity contract: a reservation call either holds every
// requested item or holds nothing and names the first item that did not fit.
package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ReserveItem is one requested line of a reservation.
type ReserveItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ReserveRequest asks for a hold on every item for one order.
type ReserveRequest struct {
	TableID string        `json:"tableId"`
	StaffID string        `json:"staffId,omitempty"`
	Items   []ReserveItem `json:"items"`
}

// ReserveResult reports a fully successful reservation.
type ReserveResult struct {
	Reserved int `json:"reserved"`
}

// Level is the stock position of one product.
type Level struct {
	ProductID string `json:"productId"`
	Current   int    `json:"current"`
	Reserved  int    `json:"reserved"`
}

// Available returns the quantity still reservable.
func (l Level) Available() int {
	return l.Current - l.Reserved
}

// ConflictError reports the first item that could not be reserved. The whole
// call fails; nothing is held.
type ConflictError struct {
	ProductID string
	Requested int
	Available int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// IsConflict reports whether err is a reservation conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Repository is the reservation capability consumed by the core.
type Repository interface {
	// ReserveStock holds the requested quantities against available stock
	// (current minus reserved), all-or-nothing: on any conflict the call
	// returns a ConflictError and no item is held.
	ReserveStock(ctx context.Context, req ReserveRequest) (ReserveResult, error)
}

// MemRepository is the in-memory Repository implementation.
// A single mutex serializes reservation checks against mutation, which is
// what makes two concurrent requests for the last unit resolve to exactly
// one winner.
type MemRepository struct {
	mu     sync.Mutex
	levels map[string]*Level
}

// NewMemRepository creates an empty in-memory stock repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{levels: make(map[string]*Level)}
}

// SetLevel sets a product's stock position.
func (r *MemRepository) SetLevel(productID string, current, reserved int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[productID] = &Level{ProductID: productID, Current: current, Reserved: reserved}
}

// Levels returns a copy of all stock positions sorted by product id.
func (r *MemRepository) Levels() []Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Level, 0, len(r.levels))
	for _, l := range r.levels {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// ReserveStock implements Repository.
func (r *MemRepository) ReserveStock(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return ReserveResult{}, err
	}
	if len(req.Items) == 0 {
		return ReserveResult{}, fmt.Errorf("reservation request has no items")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// First pass: verify every line fits. Nothing is mutated until all lines
	// have passed, so a conflict holds nothing.
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return ReserveResult{}, fmt.Errorf("invalid quantity %d for %s", item.Quantity, item.ProductID)
		}
		level, ok := r.levels[item.ProductID]
		if !ok {
			return ReserveResult{}, &ConflictError{ProductID: item.ProductID, Requested: item.Quantity}
		}
		if level.Available() < item.Quantity {
			return ReserveResult{}, &ConflictError{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: level.Available(),
			}
		}
	}

	for _, item := range req.Items {
		r.levels[item.ProductID].Reserved += item.Quantity
	}
	return ReserveResult{Reserved: len(req.Items)}, nil
}

// Release drops a previous hold, clamping at zero.
func (r *MemRepository) Release(productID string, quantity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level, ok := r.levels[productID]; ok {
		level.Reserved -= quantity
		if level.Reserved < 0 {
			level.Reserved = 0
		}
	}
}
