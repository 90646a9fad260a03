package distribution

import (
	"mythra-settlement/services/event"

	"go.uber.org/fx"
)

var Module = fx.Module("distribution.service",
	fx.Provide(
		NewService,
		func(s *event.Service) EventGateway { return s },
	),
)
