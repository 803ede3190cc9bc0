package subscription

import (
	"go.uber.org/fx"
)

// Module wires the repositories and engines. Task handler registration
// and the daily scheduler live in WorkerModule so callers that only
// read (the audit CLI) can skip them.
var Module = fx.Module("subscription.service",
	fx.Provide(
		NewPlanRepository,
		NewLicenseRepository,
		NewRenewalRepository,
		NewEventFactory,
		NewPlanService,
		NewAssignmentService,
		NewRevocationService,
		NewRenewalService,
		NewResultsStore,
		NewBulkService,
	),
)

var WorkerModule = fx.Module("subscription.worker",
	fx.Provide(
		NewTaskHandlers,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTaskHandlers,
		StartScheduler,
	),
)
