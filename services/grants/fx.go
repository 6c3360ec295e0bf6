package grants

import (
	"go.uber.org/fx"
)

var Module = fx.Module("grants",
	fx.Provide(NewService),
)

// ConsumerModule is wired only into binaries that should drain the
// milestone stream.
var ConsumerModule = fx.Module("grants.consumer",
	fx.Provide(NewConsumer),
	fx.Invoke(RegisterConsumer),
)
