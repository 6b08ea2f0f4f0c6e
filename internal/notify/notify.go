// Package notify delivers settlement change notifications to caches and event streams.
package notify

import (
	"context"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/orders"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/settlement"
)

// Fanout forwards every notification to each subscriber in order.
type Fanout []settlement.ChangeNotifier

// NewFanout drops nil subscribers.
func NewFanout(subscribers ...settlement.ChangeNotifier) Fanout {
	fanout := make(Fanout, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber != nil {
			fanout = append(fanout, subscriber)
		}
	}
	return fanout
}

func (fanout Fanout) WalletChanged(ctx context.Context, userID ledger.UserID) {
	for _, subscriber := range fanout {
		subscriber.WalletChanged(ctx, userID)
	}
}

func (fanout Fanout) OrderChanged(ctx context.Context, order orders.Order) {
	for _, subscriber := range fanout {
		subscriber.OrderChanged(ctx, order)
	}
}
