package escrow

import "go.uber.org/fx"

var Module = fx.Module("escrow.ledger",
	fx.Provide(NewLedger),
)
