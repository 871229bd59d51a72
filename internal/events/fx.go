package events

import "go.uber.org/fx"

var Module = fx.Module("events",
	fx.Provide(NewCodec),
	fx.Provide(NewFailureStore),
	fx.Provide(NewDispatcher),
)
