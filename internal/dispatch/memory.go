package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/tavolo/paycore/internal/intent"
)

// PaymentRecord is the payment state a memory order store keeps per order.
type PaymentRecord struct {
	Status          intent.Status
	Amount          int64
	TransactionCode string
	UpdatedAt       time.Time
}

// MemoryOrders is an in-memory order store for demo/development mode. It
// stands in for the reservation, table, and delivery systems at once and
// lets the full pipeline run without external services.
type MemoryOrders struct {
	mu           sync.RWMutex
	reservations map[string]PaymentRecord
	tables       map[string]PaymentRecord // keyed tableID + "/" + orderID
	deliveries   map[string]PaymentRecord
}

// NewMemoryOrders creates an empty in-memory order store.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{
		reservations: make(map[string]PaymentRecord),
		tables:       make(map[string]PaymentRecord),
		deliveries:   make(map[string]PaymentRecord),
	}
}

func (m *MemoryOrders) UpdateReservationPayment(ctx context.Context, reservationID string, status intent.Status, amount int64, transactionCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[reservationID] = PaymentRecord{
		Status:          status,
		Amount:          amount,
		TransactionCode: transactionCode,
		UpdatedAt:       time.Now(),
	}
	return nil
}

func (m *MemoryOrders) UpdateTablePayment(ctx context.Context, tableID, orderID string, status intent.Status, amount int64, transactionCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[tableID+"/"+orderID] = PaymentRecord{
		Status:          status,
		Amount:          amount,
		TransactionCode: transactionCode,
		UpdatedAt:       time.Now(),
	}
	return nil
}

func (m *MemoryOrders) UpdateDeliveryPayment(ctx context.Context, deliveryID string, status intent.Status, amount int64, transactionCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[deliveryID] = PaymentRecord{
		Status:          status,
		Amount:          amount,
		TransactionCode: transactionCode,
		UpdatedAt:       time.Now(),
	}
	return nil
}

// Reservation returns the recorded payment state for a reservation.
func (m *MemoryOrders) Reservation(id string) (PaymentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.reservations[id]
	return rec, ok
}

// TableOrder returns the recorded payment state for a table order.
func (m *MemoryOrders) TableOrder(tableID, orderID string) (PaymentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tables[tableID+"/"+orderID]
	return rec, ok
}

// Delivery returns the recorded payment state for a delivery.
func (m *MemoryOrders) Delivery(id string) (PaymentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deliveries[id]
	return rec, ok
}

var (
	_ ReservationStore = (*MemoryOrders)(nil)
	_ TableStore       = (*MemoryOrders)(nil)
	_ DeliveryStore    = (*MemoryOrders)(nil)
)
