package eligibility

import (
	"go.uber.org/fx"
)

var Module = fx.Module("eligibility",
	fx.Provide(NewService),
)
