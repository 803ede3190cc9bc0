package taskname

const (
	// License tasks
	LicenseNotifyAssignment = "license:notify:assignment"
	LicenseCleanupRevoked   = "license:cleanup:revoked"
	LicenseBulkAssign       = "license:bulk:assign"
	LicenseReclaimStale     = "license:reclaim:stale"

	// Plan tasks
	PlanRenewalProcess    = "plan:renewal:process"
	PlanExpirationProcess = "plan:expiration:process"

	// Catalog tasks
	CatalogValidateQueries = "catalog:validate:queries"
)
