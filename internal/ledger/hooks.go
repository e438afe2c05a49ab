package ledger

import (
	"context"
	"fmt"

	"github.com/playpredict/market-engine/internal/model"
	"github.com/playpredict/market-engine/internal/store"
)

// NoopHook is a settlement hook that does nothing. Transaction types whose
// settlement is fully expressed by their entries use it.
var NoopHook SettlementHook = SettlementHookFunc(
	func(context.Context, store.Store, *model.Transaction) error { return nil },
)

// Validate checks that the table has a row for every transaction type, so a
// newly added type cannot reach Execute without a settlement decision.
func (t SettlementTable) Validate() error {
	for _, typ := range model.TransactionTypes() {
		if _, ok := t[typ]; !ok {
			return fmt.Errorf("ledger: settlement table missing %s", typ)
		}
	}
	return nil
}
