package housekeeping

import (
	"go.uber.org/fx"
)

var Module = fx.Module("housekeeping",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
