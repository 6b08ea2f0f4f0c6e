package settlement

import (
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
)

// deliveryTimer keeps at most one pending auto-delivery per order.
type deliveryTimer struct {
	mu     sync.Mutex
	timers map[ledger.OrderID]*time.Timer
	fire   func(orderID ledger.OrderID)
	closed bool
}

func newDeliveryTimer(fire func(orderID ledger.OrderID)) *deliveryTimer {
	return &deliveryTimer{
		timers: make(map[ledger.OrderID]*time.Timer),
		fire:   fire,
	}
}

// Arm replaces any pending timer for the order.
func (schedule *deliveryTimer) Arm(orderID ledger.OrderID, delay time.Duration) {
	schedule.mu.Lock()
	defer schedule.mu.Unlock()
	if schedule.closed {
		return
	}
	if existing, ok := schedule.timers[orderID]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		schedule.mu.Lock()
		current, ok := schedule.timers[orderID]
		if !ok || current != timer || schedule.closed {
			schedule.mu.Unlock()
			return
		}
		delete(schedule.timers, orderID)
		schedule.mu.Unlock()
		schedule.fire(orderID)
	})
	schedule.timers[orderID] = timer
}

// Disarm cancels the pending timer, if any.
func (schedule *deliveryTimer) Disarm(orderID ledger.OrderID) {
	schedule.mu.Lock()
	defer schedule.mu.Unlock()
	if existing, ok := schedule.timers[orderID]; ok {
		existing.Stop()
		delete(schedule.timers, orderID)
	}
}

// Pending returns the number of armed timers.
func (schedule *deliveryTimer) Pending() int {
	schedule.mu.Lock()
	defer schedule.mu.Unlock()
	return len(schedule.timers)
}

// Stop cancels every timer and rejects further arming.
func (schedule *deliveryTimer) Stop() {
	schedule.mu.Lock()
	defer schedule.mu.Unlock()
	schedule.closed = true
	for orderID, timer := range schedule.timers {
		timer.Stop()
		delete(schedule.timers, orderID)
	}
}
