package taskname

const (
	// License tasks
	LicenseCleanupRun = "license:cleanup:run"
)
