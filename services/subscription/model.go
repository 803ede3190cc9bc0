package subscription

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// LicenseStatus is the lifecycle state of a single license seat.
type LicenseStatus string

var (
	LicenseUnassigned         LicenseStatus = "unassigned"
	LicenseAssigned           LicenseStatus = "assigned"
	LicenseActivated          LicenseStatus = "activated"
	LicenseRevoked            LicenseStatus = "revoked"
	LicenseTransferredRenewal LicenseStatus = "transferred-renewal"
)

func (s LicenseStatus) String() string {
	switch s {
	case LicenseUnassigned, LicenseAssigned, LicenseActivated, LicenseRevoked, LicenseTransferredRenewal:
		return string(s)
	}
	return "unknown"
}

// Revocable reports whether a license in this status may be revoked.
func (s LicenseStatus) Revocable() bool {
	return s == LicenseAssigned || s == LicenseActivated
}

// LicenseCopyMode selects which license statuses a renewal carries over
// into the renewed plan.
type LicenseCopyMode string

var (
	CopyAssignedAndActivated LicenseCopyMode = "assigned_and_activated"
	CopyActivated            LicenseCopyMode = "activated"
	CopyNothing              LicenseCopyMode = "nothing"
)

func (m LicenseCopyMode) String() string {
	switch m {
	case CopyAssignedAndActivated, CopyActivated, CopyNothing:
		return string(m)
	}
	return "unknown"
}

// Statuses returns the license statuses mirrored into the renewed
// plan's pool under this mode.
func (m LicenseCopyMode) Statuses() []LicenseStatus {
	switch m {
	case CopyAssignedAndActivated:
		return []LicenseStatus{LicenseAssigned, LicenseActivated}
	case CopyActivated:
		return []LicenseStatus{LicenseActivated}
	}
	return nil
}

// CloseOutStatuses returns the prior-plan statuses a renewal retires as
// transferred-renewal without mirroring a seat into the new pool. Only
// the nothing mode leaves in-use seats behind this way; the other modes
// retire them through the copy itself.
func (m LicenseCopyMode) CloseOutStatuses() []LicenseStatus {
	if m == CopyNothing {
		return []LicenseStatus{LicenseAssigned, LicenseActivated}
	}
	return nil
}

// Audit event types recorded per license mutation.
const (
	EventCreated     = "created"
	EventAssigned    = "assigned"
	EventActivated   = "activated"
	EventUnassigned  = "unassigned"
	EventRevoked     = "revoked"
	EventCleanup     = "cleanup"
	EventTransferred = "transferred"
)

// PlanType categorises products. Distinct netsuite products may share a
// plan type, e.g. the standard and EU paid bundles.
type PlanType struct {
	ID                    int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Label                 string    `gorm:"column:label;uniqueIndex;not null"`
	Description           string    `gorm:"column:description"`
	InternalUseOnly       bool      `gorm:"column:internal_use_only;default:false"`
	NetsuiteIDRequired    bool      `gorm:"column:netsuite_id_required;default:false"`
	SFOpportunityRequired bool      `gorm:"column:sf_opportunity_required;default:false"`
	CreatedAt             time.Time `gorm:"column:created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at"`
}

// Product is the sellable SKU a subscription plan is purchased as.
type Product struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name        string    `gorm:"column:name;not null"`
	Description string    `gorm:"column:description"`
	NetsuiteID  int       `gorm:"column:netsuite_id"`
	PlanTypeID  int64     `gorm:"column:plan_type_id;index;not null"`
	PlanType    *PlanType `gorm:"foreignKey:PlanTypeID"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// SubscriptionPlan is a fixed pool of licenses sold to one enterprise
// customer for a date range.
type SubscriptionPlan struct {
	ID                     string    `gorm:"column:id;type:uuid;primaryKey"`
	Title                  string    `gorm:"column:title;not null"`
	Slug                   string    `gorm:"column:slug;uniqueIndex;not null"`
	IsActive               bool      `gorm:"column:is_active;default:false"`
	ForInternalUseOnly     bool      `gorm:"column:for_internal_use_only;default:false"`
	StartDate              time.Time `gorm:"column:start_date;not null"`
	ExpirationDate         time.Time `gorm:"column:expiration_date;not null"`
	ExpirationProcessed    bool      `gorm:"column:expiration_processed;default:false"`
	EnterpriseCustomerUUID string    `gorm:"column:enterprise_customer_uuid;index"`
	EnterpriseCatalogUUID  string    `gorm:"column:enterprise_catalog_uuid;index"`
	NumLicenses            int       `gorm:"column:num_licenses;not null;default:0"`
	RevokeMaxPercentage    int       `gorm:"column:revoke_max_percentage;not null;default:5"`
	UnlimitedRevocations   bool      `gorm:"column:unlimited_revocations;default:false"`
	NumRevocationsApplied  int       `gorm:"column:num_revocations_applied;not null;default:0"`
	ProductID              int64     `gorm:"column:product_id;index"`
	Product                *Product  `gorm:"foreignKey:ProductID"`
	CreatedAt              time.Time `gorm:"column:created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
}

// RevocationCap is the number of revocations this plan allows over its
// lifetime: ceil(num_licenses * revoke_max_percentage / 100).
func (p *SubscriptionPlan) RevocationCap() int {
	return (p.NumLicenses*p.RevokeMaxPercentage + 99) / 100
}

// HasRevocationsRemaining reports whether another revocation fits under
// the plan cap.
func (p *SubscriptionPlan) HasRevocationsRemaining() bool {
	if p.UnlimitedRevocations {
		return true
	}
	return p.NumRevocationsApplied < p.RevocationCap()
}

// IsCurrent reports whether now falls inside the plan's date range.
func (p *SubscriptionPlan) IsCurrent(now time.Time) bool {
	return !now.Before(p.StartDate) && now.Before(p.ExpirationDate)
}

// License is one seat in a subscription plan's pool.
type License struct {
	ID             string        `gorm:"column:id;type:uuid;primaryKey"`
	PlanID         string        `gorm:"column:subscription_plan_id;type:uuid;index;not null"`
	Status         LicenseStatus `gorm:"column:status;type:varchar(25);index;not null;default:'unassigned'"`
	UserEmail      *string       `gorm:"column:user_email;index"`
	LMSUserID      *int64        `gorm:"column:lms_user_id;index"`
	ActivationKey  *string       `gorm:"column:activation_key;type:uuid;index"`
	ActivationDate *time.Time    `gorm:"column:activation_date"`
	AssignedDate   *time.Time    `gorm:"column:assigned_date"`
	RevokedDate    *time.Time    `gorm:"column:revoked_date"`
	LastNotifiedAt *time.Time    `gorm:"column:last_notified_at"`
	RenewedTo      *string       `gorm:"column:renewed_to;type:uuid"`
	CreatedAt      time.Time     `gorm:"column:created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at"`
}

// Email returns the holder email, empty when unassigned.
func (l *License) Email() string {
	if l.UserEmail == nil {
		return ""
	}
	return *l.UserEmail
}

// HolderMatches reports whether the license is held by the given email,
// compared case-insensitively.
func (l *License) HolderMatches(email string) bool {
	return l.UserEmail != nil && strings.EqualFold(*l.UserEmail, email)
}

// SubscriptionPlanRenewal records the intent to roll a plan's pool into
// a successor plan on the effective date. processed_datetime is set
// exactly once, when the renewal has been applied.
type SubscriptionPlanRenewal struct {
	ID                    string          `gorm:"column:id;type:uuid;primaryKey"`
	PriorPlanID           string          `gorm:"column:prior_plan_id;type:uuid;index;not null"`
	RenewedPlanID         *string         `gorm:"column:renewed_plan_id;type:uuid;index"`
	RenewedPlanTitle      string          `gorm:"column:renewed_plan_title"`
	NumberOfLicenses      int             `gorm:"column:number_of_licenses;not null"`
	LicenseTypesToCopy    LicenseCopyMode `gorm:"column:license_types_to_copy;type:varchar(30);not null;default:'assigned_and_activated'"`
	EffectiveDate         time.Time       `gorm:"column:effective_date;not null"`
	RenewedExpirationDate time.Time       `gorm:"column:renewed_expiration_date;not null"`
	ProcessedDatetime     *time.Time      `gorm:"column:processed_datetime"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

// Processed reports whether the renewal has already been applied.
func (r *SubscriptionPlanRenewal) Processed() bool {
	return r.ProcessedDatetime != nil
}

// LicenseEvent is the append-only audit trail of license mutations,
// written in the same transaction as the mutation it records.
type LicenseEvent struct {
	ID        string         `gorm:"column:id;primaryKey"`
	LicenseID string         `gorm:"column:license_id;type:uuid;index;not null"`
	PlanID    string         `gorm:"column:subscription_plan_id;type:uuid;index"`
	EventType string         `gorm:"column:event_type;type:varchar(30);not null"`
	Actor     string         `gorm:"column:actor"`
	Before    datatypes.JSON `gorm:"column:before_state"`
	After     datatypes.JSON `gorm:"column:after_state"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

// JobStatus tracks a bulk assignment job through its run.
type JobStatus string

var (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) String() string {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed:
		return string(s)
	}
	return "unknown"
}

// BulkAssignmentJob tracks one chunked bulk license assignment run.
// Per-email outcomes live in a redis hash while the job runs and are
// archived to object storage on completion.
type BulkAssignmentJob struct {
	ID               string         `gorm:"column:id;primaryKey"`
	Code             string         `gorm:"column:code;uniqueIndex;not null"`
	PlanID           string         `gorm:"column:subscription_plan_id;type:uuid;index;not null"`
	Status           JobStatus      `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	TotalEmails      int            `gorm:"column:total_emails;not null"`
	NumAssigned      int            `gorm:"column:num_assigned;not null;default:0"`
	NumSkipped       int            `gorm:"column:num_skipped;not null;default:0"`
	NumFailed        int            `gorm:"column:num_failed;not null;default:0"`
	ErrorMsg         string         `gorm:"column:error_msg;type:text"`
	ResultsObjectKey string         `gorm:"column:results_object_key"`
	Metadata         datatypes.JSON `gorm:"column:metadata"`
	StartedAt        *time.Time     `gorm:"column:started_at"`
	CompletedAt      *time.Time     `gorm:"column:completed_at"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}
