package renewal

import "go.uber.org/fx"

var Module = fx.Module("renewal.service",
	fx.Provide(NewService),
)
