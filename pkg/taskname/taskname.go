package taskname

const (
	// MintAdvance drives the issuance saga. Every delivery advances the
	// operation exactly one persisted step and re-enqueues itself.
	MintAdvance = "mint:advance"

	// ForgeAdvance drives the burn phase the same way; the forge output
	// rides the mint saga once the burn confirms.
	ForgeAdvance = "forge:advance"

	// Eligibility tasks
	EligibilitySweep = "eligibility:sweep"

	// Reconciliation tasks
	ReconcileRun   = "reconcile:run"
	ReconcilePurge = "reconcile:purge"
)
