package campaign

import (
	"mythra-settlement/services/event"

	"go.uber.org/fx"
)

var Module = fx.Module("campaign.service",
	fx.Provide(
		NewService,
		func(s *event.Service) EventDirectory { return s },
	),
)
