package forge

import (
	"go.uber.org/fx"

	"trophymint/services/mint"
)

// Module wires the forge service and registers it into the issuance hook
// registry after construction; a constructor edge in either direction would
// cycle the graph.
var Module = fx.Module("forge",
	fx.Provide(NewService),
	fx.Invoke(func(hooks *mint.HookRegistry, svc Service) {
		hooks.RegisterForge(svc)
	}),
)
