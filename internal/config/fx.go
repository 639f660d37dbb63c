package config

import "go.uber.org/fx"

// Module provides the application config.
var Module = fx.Module("config",
	fx.Provide(Load),
)
