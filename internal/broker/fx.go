package broker

import (
	"context"

	"github.com/smallbiznis/verdant/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("broker",
	fx.Provide(New),
	fx.Provide(func(b Broker) Publisher { return b }),
	fx.Provide(func(b Broker) Subscriber { return b }),
)

// New connects to RabbitMQ when RABBITMQ_URL is set and falls back to the in-memory broker otherwise.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Broker, error) {
	var b Broker
	if cfg.RabbitMQ.URL == "" {
		log.Warn("RABBITMQ_URL not set, using in-memory broker")
		b = NewMemory()
	} else {
		r, err := DialRabbitMQ(context.Background(), cfg.RabbitMQ.URL, cfg.RabbitMQ.Prefetch, log)
		if err != nil {
			return nil, err
		}
		b = r
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}
