package didorder

import (
	"github.com/smallbiznis/numera/internal/didorder/service"
	"go.uber.org/fx"
)

var Module = fx.Module("didorder.service",
	fx.Provide(service.NewService),
)
