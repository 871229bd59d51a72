package relay

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("outbox.relay",
	fx.Provide(New),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, r *Relay) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				_ = r.Run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
