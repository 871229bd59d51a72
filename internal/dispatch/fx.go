package dispatch

import (
	"github.com/smallbiznis/verdant/internal/dispatch/repository"
	"github.com/smallbiznis/verdant/internal/dispatch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatch.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(service.RegisterHandlers),
)
