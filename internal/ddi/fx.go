package ddi

import (
	"github.com/smallbiznis/numera/internal/ddi/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ddi.service",
	fx.Provide(service.NewService),
)
