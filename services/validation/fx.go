package validation

import (
	"go.uber.org/fx"
)

var Module = fx.Module("validation.service",
	fx.Provide(NewValidator),
)

var WorkerModule = fx.Module("validation.worker",
	fx.Invoke(RegisterTaskHandlers),
)
