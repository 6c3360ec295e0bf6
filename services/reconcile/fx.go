package reconcile

import (
	"go.uber.org/fx"

	"trophymint/services/mint"
)

// Module wires the reconcile service and hands the issuance saga its
// enqueuer. Reconcile reads the token tables directly and never calls the
// saga, so the dependency runs one way.
var Module = fx.Module("reconcile",
	fx.Provide(NewService),
	fx.Provide(func(svc Service) mint.ReconcileEnqueuer { return svc }),
)
