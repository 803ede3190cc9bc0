package subscription

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"licensing-controlplane/pkg/db/pagination"
)

// lockForUpdate adds a row lock on dialects that support it. SQLite
// rejects FOR UPDATE syntax and serialises writers on its own.
func lockForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// PlanRepository describes database operations available for
// subscription plans.
type PlanRepository interface {
	WithTx(tx *gorm.DB) PlanRepository
	Create(ctx context.Context, plan *SubscriptionPlan) error
	GetByID(ctx context.Context, planID string) (*SubscriptionPlan, error)
	GetBySlug(ctx context.Context, slug string) (*SubscriptionPlan, error)
	GetForUpdate(ctx context.Context, planID string) (*SubscriptionPlan, error)
	List(ctx context.Context, p pagination.Pagination) ([]SubscriptionPlan, *pagination.PageInfo, error)
	ListForCatalogAudit(ctx context.Context) ([]SubscriptionPlan, error)
	ListExpiredUnprocessed(ctx context.Context, asOf time.Time) ([]SubscriptionPlan, error)
	IncrementRevocationsApplied(ctx context.Context, planID string) error
	MarkExpirationProcessed(ctx context.Context, planID string) error
	Update(ctx context.Context, plan *SubscriptionPlan) error
}

type gormPlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository returns a gorm backed PlanRepository implementation.
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &gormPlanRepository{db: db}
}

func (r *gormPlanRepository) WithTx(tx *gorm.DB) PlanRepository {
	if tx == nil {
		return r
	}
	return &gormPlanRepository{db: tx}
}

func (r *gormPlanRepository) Create(ctx context.Context, plan *SubscriptionPlan) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *gormPlanRepository) GetByID(ctx context.Context, planID string) (*SubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var plan SubscriptionPlan
	err := r.db.WithContext(ctx).
		Preload("Product.PlanType").
		Where("id = ?", planID).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormPlanRepository) GetBySlug(ctx context.Context, slug string) (*SubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var plan SubscriptionPlan
	err := r.db.WithContext(ctx).
		Where("slug = ?", slug).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormPlanRepository) GetForUpdate(ctx context.Context, planID string) (*SubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var plan SubscriptionPlan
	err := lockForUpdate(r.db.WithContext(ctx)).
		Where("id = ?", planID).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormPlanRepository) List(ctx context.Context, p pagination.Pagination) ([]SubscriptionPlan, *pagination.PageInfo, error) {
	if r == nil || r.db == nil {
		return nil, nil, gorm.ErrInvalidDB
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&SubscriptionPlan{}).Count(&total).Error; err != nil {
		return nil, nil, err
	}

	var plans []SubscriptionPlan
	err := r.db.WithContext(ctx).
		Preload("Product.PlanType").
		Scopes(pagination.Scope(p)).
		Order("created_at DESC, id").
		Find(&plans).Error
	if err != nil {
		return nil, nil, err
	}
	return plans, pagination.BuildPageInfo(p, total, false), nil
}

func (r *gormPlanRepository) ListForCatalogAudit(ctx context.Context) ([]SubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var plans []SubscriptionPlan
	err := r.db.WithContext(ctx).
		Preload("Product.PlanType").
		Where("expiration_processed = ? AND for_internal_use_only = ? AND enterprise_catalog_uuid <> ''", false, false).
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *gormPlanRepository) ListExpiredUnprocessed(ctx context.Context, asOf time.Time) ([]SubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var plans []SubscriptionPlan
	err := r.db.WithContext(ctx).
		Where("expiration_processed = ? AND expiration_date <= ?", false, asOf).
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *gormPlanRepository) IncrementRevocationsApplied(ctx context.Context, planID string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	result := r.db.WithContext(ctx).
		Model(&SubscriptionPlan{}).
		Where("id = ?", planID).
		UpdateColumn("num_revocations_applied", gorm.Expr("num_revocations_applied + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormPlanRepository) MarkExpirationProcessed(ctx context.Context, planID string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	result := r.db.WithContext(ctx).
		Model(&SubscriptionPlan{}).
		Where("id = ? AND expiration_processed = ?", planID, false).
		Update("expiration_processed", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormPlanRepository) Update(ctx context.Context, plan *SubscriptionPlan) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	result := r.db.WithContext(ctx).
		Model(&SubscriptionPlan{}).
		Where("id = ?", plan.ID).
		Updates(plan)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// LicenseRepository describes database operations available for
// licenses. Mutating operations append a LicenseEvent row in the same
// transaction as the mutation.
type LicenseRepository interface {
	WithTx(tx *gorm.DB) LicenseRepository
	BatchCreate(ctx context.Context, actor string, licenses []*License) error
	GetByID(ctx context.Context, licenseID string) (*License, error)
	GetByActivationKey(ctx context.Context, activationKey string) (*License, error)
	FindHolderByEmail(ctx context.Context, planID, email string) (*License, error)
	FindHoldersByEmails(ctx context.Context, planID string, emails []string) ([]License, error)
	FindUnassigned(ctx context.Context, planID string, limit int) ([]License, error)
	FindByStatuses(ctx context.Context, planID string, statuses []LicenseStatus) ([]License, error)
	FindStaleAssigned(ctx context.Context, assignedBefore time.Time) ([]License, error)
	List(ctx context.Context, planID string, status LicenseStatus, p pagination.Pagination, countEstimate *int64) ([]License, *pagination.PageInfo, error)
	Count(ctx context.Context, planID string, statuses ...LicenseStatus) (int64, error)
	CountByStatus(ctx context.Context, planID string) (map[LicenseStatus]int64, error)
	UpdateWithEvent(ctx context.Context, actor, eventType string, before, after *License) error
	StampNotified(ctx context.Context, licenseID string, at time.Time) error
	ListEvents(ctx context.Context, licenseID string) ([]LicenseEvent, error)
}

type gormLicenseRepository struct {
	db   *gorm.DB
	node *snowflake.Node
}

// NewLicenseRepository returns a gorm backed LicenseRepository. The
// snowflake node mints audit event IDs.
func NewLicenseRepository(db *gorm.DB, node *snowflake.Node) LicenseRepository {
	return &gormLicenseRepository{db: db, node: node}
}

func (r *gormLicenseRepository) WithTx(tx *gorm.DB) LicenseRepository {
	if tx == nil {
		return r
	}
	return &gormLicenseRepository{db: tx, node: r.node}
}

func (r *gormLicenseRepository) BatchCreate(ctx context.Context, actor string, licenses []*License) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	if len(licenses) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(licenses, 500).Error; err != nil {
		return err
	}

	events := make([]LicenseEvent, 0, len(licenses))
	for _, lic := range licenses {
		events = append(events, r.newEvent(actor, EventCreated, nil, lic))
	}
	return r.db.WithContext(ctx).CreateInBatches(events, 500).Error
}

func (r *gormLicenseRepository) GetByID(ctx context.Context, licenseID string) (*License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var lic License
	err := r.db.WithContext(ctx).
		Where("id = ?", licenseID).
		First(&lic).Error
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func (r *gormLicenseRepository) GetByActivationKey(ctx context.Context, activationKey string) (*License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var lic License
	err := r.db.WithContext(ctx).
		Where("activation_key = ?", activationKey).
		First(&lic).Error
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func (r *gormLicenseRepository) FindHolderByEmail(ctx context.Context, planID, email string) (*License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var lic License
	err := r.db.WithContext(ctx).
		Where("subscription_plan_id = ? AND LOWER(user_email) = ? AND status NOT IN ?",
			planID, strings.ToLower(email), []LicenseStatus{LicenseRevoked, LicenseTransferredRenewal}).
		First(&lic).Error
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func (r *gormLicenseRepository) FindHoldersByEmails(ctx context.Context, planID string, emails []string) ([]License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if len(emails) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(emails))
	for _, email := range emails {
		lowered = append(lowered, strings.ToLower(email))
	}

	var licenses []License
	err := r.db.WithContext(ctx).
		Where("subscription_plan_id = ? AND LOWER(user_email) IN ? AND status NOT IN ?",
			planID, lowered, []LicenseStatus{LicenseRevoked, LicenseTransferredRenewal}).
		Find(&licenses).Error
	if err != nil {
		return nil, err
	}
	return licenses, nil
}

func (r *gormLicenseRepository) FindUnassigned(ctx context.Context, planID string, limit int) ([]License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := lockForUpdate(r.db.WithContext(ctx)).
		Where("subscription_plan_id = ? AND status = ?", planID, LicenseUnassigned).
		Order("created_at, id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var licenses []License
	if err := query.Find(&licenses).Error; err != nil {
		return nil, err
	}
	return licenses, nil
}

func (r *gormLicenseRepository) FindByStatuses(ctx context.Context, planID string, statuses []LicenseStatus) ([]License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	var licenses []License
	err := r.db.WithContext(ctx).
		Where("subscription_plan_id = ? AND status IN ?", planID, statuses).
		Order("created_at, id").
		Find(&licenses).Error
	if err != nil {
		return nil, err
	}
	return licenses, nil
}

func (r *gormLicenseRepository) FindStaleAssigned(ctx context.Context, assignedBefore time.Time) ([]License, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var licenses []License
	err := r.db.WithContext(ctx).
		Where("status = ? AND activation_date IS NULL AND assigned_date < ?", LicenseAssigned, assignedBefore).
		Find(&licenses).Error
	if err != nil {
		return nil, err
	}
	return licenses, nil
}

func (r *gormLicenseRepository) List(ctx context.Context, planID string, status LicenseStatus, p pagination.Pagination, countEstimate *int64) ([]License, *pagination.PageInfo, error) {
	if r == nil || r.db == nil {
		return nil, nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&License{}).
		Where("subscription_plan_id = ?", planID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	estimated := countEstimate != nil
	if estimated {
		total = *countEstimate
	} else if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	var licenses []License
	err := query.
		Scopes(pagination.Scope(p)).
		Order("status, user_email, id").
		Find(&licenses).Error
	if err != nil {
		return nil, nil, err
	}
	return licenses, pagination.BuildPageInfo(p, total, estimated), nil
}

func (r *gormLicenseRepository) Count(ctx context.Context, planID string, statuses ...LicenseStatus) (int64, error) {
	if r == nil || r.db == nil {
		return 0, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&License{}).
		Where("subscription_plan_id = ?", planID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *gormLicenseRepository) CountByStatus(ctx context.Context, planID string) (map[LicenseStatus]int64, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rows []struct {
		Status LicenseStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&License{}).
		Select("status, COUNT(*) AS total").
		Where("subscription_plan_id = ?", planID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[LicenseStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (r *gormLicenseRepository) UpdateWithEvent(ctx context.Context, actor, eventType string, before, after *License) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	// Save writes every column so cleared fields (email, activation
	// key) persist as NULL rather than being skipped as zero values.
	if err := r.db.WithContext(ctx).Save(after).Error; err != nil {
		return err
	}

	event := r.newEvent(actor, eventType, before, after)
	return r.db.WithContext(ctx).Create(&event).Error
}

// StampNotified records when the holder was last notified. Only
// assigned seats are stamped; the notification is not audit-worthy.
func (r *gormLicenseRepository) StampNotified(ctx context.Context, licenseID string, at time.Time) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	result := r.db.WithContext(ctx).
		Model(&License{}).
		Where("id = ? AND status = ?", licenseID, LicenseAssigned).
		Update("last_notified_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormLicenseRepository) ListEvents(ctx context.Context, licenseID string) ([]LicenseEvent, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var events []LicenseEvent
	err := r.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("created_at, id").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *gormLicenseRepository) newEvent(actor, eventType string, before, after *License) LicenseEvent {
	return LicenseEvent{
		ID:        r.node.Generate().String(),
		LicenseID: after.ID,
		PlanID:    after.PlanID,
		EventType: eventType,
		Actor:     actor,
		Before:    snapshotJSON(before),
		After:     snapshotJSON(after),
	}
}

// licenseSnapshot is the audit view of a license recorded in
// LicenseEvent before/after columns.
type licenseSnapshot struct {
	Status         LicenseStatus `json:"status"`
	UserEmail      *string       `json:"user_email,omitempty"`
	LMSUserID      *int64        `json:"lms_user_id,omitempty"`
	ActivationDate *time.Time    `json:"activation_date,omitempty"`
	AssignedDate   *time.Time    `json:"assigned_date,omitempty"`
	RevokedDate    *time.Time    `json:"revoked_date,omitempty"`
	RenewedTo      *string       `json:"renewed_to,omitempty"`
}

func snapshotJSON(l *License) datatypes.JSON {
	if l == nil {
		return nil
	}

	b, err := json.Marshal(licenseSnapshot{
		Status:         l.Status,
		UserEmail:      l.UserEmail,
		LMSUserID:      l.LMSUserID,
		ActivationDate: l.ActivationDate,
		AssignedDate:   l.AssignedDate,
		RevokedDate:    l.RevokedDate,
		RenewedTo:      l.RenewedTo,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// RenewalRepository describes database operations available for plan
// renewals.
type RenewalRepository interface {
	WithTx(tx *gorm.DB) RenewalRepository
	Create(ctx context.Context, renewal *SubscriptionPlanRenewal) error
	GetByID(ctx context.Context, renewalID string) (*SubscriptionPlanRenewal, error)
	FindDue(ctx context.Context, asOf time.Time) ([]SubscriptionPlanRenewal, error)
	ListByPriorPlan(ctx context.Context, priorPlanID string) ([]SubscriptionPlanRenewal, error)
	MarkProcessed(ctx context.Context, renewalID, renewedPlanID string, processedAt time.Time) error
}

type gormRenewalRepository struct {
	db *gorm.DB
}

// NewRenewalRepository returns a gorm backed RenewalRepository.
func NewRenewalRepository(db *gorm.DB) RenewalRepository {
	return &gormRenewalRepository{db: db}
}

func (r *gormRenewalRepository) WithTx(tx *gorm.DB) RenewalRepository {
	if tx == nil {
		return r
	}
	return &gormRenewalRepository{db: tx}
}

func (r *gormRenewalRepository) Create(ctx context.Context, renewal *SubscriptionPlanRenewal) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(renewal).Error
}

func (r *gormRenewalRepository) GetByID(ctx context.Context, renewalID string) (*SubscriptionPlanRenewal, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var renewal SubscriptionPlanRenewal
	err := r.db.WithContext(ctx).
		Where("id = ?", renewalID).
		First(&renewal).Error
	if err != nil {
		return nil, err
	}
	return &renewal, nil
}

func (r *gormRenewalRepository) FindDue(ctx context.Context, asOf time.Time) ([]SubscriptionPlanRenewal, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var renewals []SubscriptionPlanRenewal
	err := r.db.WithContext(ctx).
		Where("processed_datetime IS NULL AND effective_date <= ?", asOf).
		Order("effective_date, id").
		Find(&renewals).Error
	if err != nil {
		return nil, err
	}
	return renewals, nil
}

func (r *gormRenewalRepository) ListByPriorPlan(ctx context.Context, priorPlanID string) ([]SubscriptionPlanRenewal, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var renewals []SubscriptionPlanRenewal
	err := r.db.WithContext(ctx).
		Where("prior_plan_id = ?", priorPlanID).
		Order("effective_date, id").
		Find(&renewals).Error
	if err != nil {
		return nil, err
	}
	return renewals, nil
}

func (r *gormRenewalRepository) MarkProcessed(ctx context.Context, renewalID, renewedPlanID string, processedAt time.Time) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	result := r.db.WithContext(ctx).
		Model(&SubscriptionPlanRenewal{}).
		Where("id = ? AND processed_datetime IS NULL", renewalID).
		Updates(map[string]interface{}{
			"renewed_plan_id":    renewedPlanID,
			"processed_datetime": processedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
