package pinning

import (
	"go.uber.org/fx"
)

var Module = fx.Module("pinning",
	fx.Provide(New),
)
