package mint

import (
	"go.uber.org/fx"
)

var Module = fx.Module("mint",
	fx.Provide(NewHookRegistry),
	fx.Provide(NewService),
)
