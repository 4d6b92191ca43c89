package eventbus

// Event types published by nudge components.
const (
	LedgerRecorded = "ledger.recorded"

	RegistrarInstalled = "registrar.installed"
	RegistrarReported  = "registrar.reported"

	DispatchFailed = "dispatch.failed"
	BatchCompleted = "batch.completed"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	ConfigReloaded = "config.reloaded"
)
