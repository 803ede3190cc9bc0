package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLicenseStatus(t *testing.T) {
	require.Equal(t, "assigned", LicenseAssigned.String())
	require.Equal(t, "unknown", LicenseStatus("bogus").String())

	require.True(t, LicenseAssigned.Revocable())
	require.True(t, LicenseActivated.Revocable())
	require.False(t, LicenseUnassigned.Revocable())
	require.False(t, LicenseRevoked.Revocable())
	require.False(t, LicenseTransferredRenewal.Revocable())
}

func TestLicenseCopyModeStatuses(t *testing.T) {
	require.Equal(t, []LicenseStatus{LicenseAssigned, LicenseActivated},
		CopyAssignedAndActivated.Statuses())
	require.Equal(t, []LicenseStatus{LicenseActivated}, CopyActivated.Statuses())
	require.Nil(t, CopyNothing.Statuses())
	require.Equal(t, "unknown", LicenseCopyMode("everything").String())

	// Only the nothing mode retires seats outside the copy itself.
	require.Equal(t, []LicenseStatus{LicenseAssigned, LicenseActivated},
		CopyNothing.CloseOutStatuses())
	require.Nil(t, CopyAssignedAndActivated.CloseOutStatuses())
	require.Nil(t, CopyActivated.CloseOutStatuses())
}

func TestPlanIsCurrent(t *testing.T) {
	now := time.Now()
	plan := &SubscriptionPlan{
		StartDate:      now.Add(-time.Hour),
		ExpirationDate: now.Add(time.Hour),
	}
	require.True(t, plan.IsCurrent(now))
	require.True(t, plan.IsCurrent(plan.StartDate))
	// The expiration instant itself is already outside the range.
	require.False(t, plan.IsCurrent(plan.ExpirationDate))
	require.False(t, plan.IsCurrent(now.Add(-2*time.Hour)))
}

func TestHolderMatches(t *testing.T) {
	email := "Ada@Example.com"
	lic := &License{UserEmail: &email}
	require.True(t, lic.HolderMatches("ada@example.com"))
	require.True(t, lic.HolderMatches("ADA@EXAMPLE.COM"))
	require.False(t, lic.HolderMatches("grace@example.com"))
	require.False(t, (&License{}).HolderMatches("ada@example.com"))
}

func TestDedupeEmails(t *testing.T) {
	deduped := dedupeEmails([]string{" Ada@Example.com", "ada@example.com", "", "grace@example.com"})
	require.Equal(t, []string{"ada@example.com", "grace@example.com"}, deduped)
	require.Empty(t, dedupeEmails(nil))
}
