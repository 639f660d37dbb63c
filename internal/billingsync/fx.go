package billingsync

import (
	"github.com/smallbiznis/numera/internal/billingsync/client"
	syncdomain "github.com/smallbiznis/numera/internal/billingsync/domain"
	"github.com/smallbiznis/numera/internal/billingsync/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingsync.service",
	fx.Provide(
		fx.Annotate(client.NewHTTPClient, fx.As(new(syncdomain.Client))),
		service.NewService,
	),
)
