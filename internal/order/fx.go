package order

import (
	"github.com/smallbiznis/verdant/internal/events"
	"github.com/smallbiznis/verdant/internal/order/domain"
	"github.com/smallbiznis/verdant/internal/order/repository"
	"github.com/smallbiznis/verdant/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(func(codec *events.Codec) { domain.RegisterEvents(codec) }),
)
