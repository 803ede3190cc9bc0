package subscription

import (
	"fmt"
	"strconv"

	"licensing-controlplane/pkg/errutil"
)

// Domain status codes carried by errors from the subscription engines.
const (
	StatusCapacityExceeded      errutil.CoreStatus = "CAPACITY_EXCEEDED"
	StatusInsufficientLicenses  errutil.CoreStatus = "INSUFFICIENT_LICENSES"
	StatusInvalidStatus         errutil.CoreStatus = "INVALID_STATUS"
	StatusRevocationCapExceeded errutil.CoreStatus = "REVOCATION_CAP_EXCEEDED"
	StatusAlreadyProcessed      errutil.CoreStatus = "ALREADY_PROCESSED"
	StatusRenewalProcessing     errutil.CoreStatus = "RENEWAL_PROCESSING"
)

// ErrCapacityExceeded signals that an operation would grow a plan's
// pool past num_licenses.
func ErrCapacityExceeded(planID string, have, want int) error {
	return errutil.New(StatusCapacityExceeded,
		fmt.Sprintf("plan %s already holds %d licenses, cannot size pool to %d", planID, have, want),
		errutil.WithDetails(
			errutil.Detail{Field: "existing", Message: strconv.Itoa(have)},
			errutil.Detail{Field: "requested", Message: strconv.Itoa(want)},
		))
}

// ErrInsufficientLicenses signals that an assignment asked for more
// seats than the plan has unassigned. The call mutates nothing.
func ErrInsufficientLicenses(requested, available int) error {
	return errutil.New(StatusInsufficientLicenses,
		fmt.Sprintf("requested %d licenses but only %d unassigned remain", requested, available),
		errutil.WithDetails(
			errutil.Detail{Field: "requested", Message: strconv.Itoa(requested)},
			errutil.Detail{Field: "available", Message: strconv.Itoa(available)},
		))
}

// ErrInvalidStatus signals a lifecycle transition from a status that
// does not permit it.
func ErrInvalidStatus(licenseID string, status LicenseStatus, op string) error {
	return errutil.New(StatusInvalidStatus,
		fmt.Sprintf("license %s is %s and cannot be %s", licenseID, status, op),
		errutil.WithDetails(errutil.Detail{Field: "status", Message: status.String()}))
}

// ErrRevocationCapExceeded signals that the plan has used up its
// revocation allowance.
func ErrRevocationCapExceeded(planID string, applied, cap int) error {
	return errutil.New(StatusRevocationCapExceeded,
		fmt.Sprintf("plan %s has applied %d of %d allowed revocations", planID, applied, cap),
		errutil.WithDetails(
			errutil.Detail{Field: "applied", Message: strconv.Itoa(applied)},
			errutil.Detail{Field: "cap", Message: strconv.Itoa(cap)},
		))
}

// ErrAlreadyProcessed signals a second attempt at a process-once
// operation, renewal processing or plan expiration.
func ErrAlreadyProcessed(kind, id string) error {
	return errutil.New(StatusAlreadyProcessed,
		fmt.Sprintf("%s %s has already been processed", kind, id))
}

// ErrRenewalProcessing wraps any failure inside renewal processing so
// callers see one code for the whole rolled-back unit.
func ErrRenewalProcessing(msg string, err error) error {
	return errutil.New(StatusRenewalProcessing, msg, errutil.WithErr(err))
}
