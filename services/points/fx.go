package points

import "go.uber.org/fx"

var Module = fx.Module("points",
	fx.Provide(NewService),
)
