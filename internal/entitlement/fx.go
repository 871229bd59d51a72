package entitlement

import (
	"github.com/smallbiznis/verdant/internal/entitlement/consumer"
	"github.com/smallbiznis/verdant/internal/entitlement/repository"
	"github.com/smallbiznis/verdant/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

// ConsumerModule runs the broker consumer that applies paid membership orders.
var ConsumerModule = fx.Module("entitlement.consumer",
	fx.Provide(consumer.New),
	fx.Invoke(consumer.Start),
)
