package subscription

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/eventbus"
)

// LicenseModifiedEvent is published to the bus after a committed
// license mutation. The learner email travels only inside the pii
// block; user_key is a keyed hash downstream consumers can join on
// without handling the address itself.
type LicenseModifiedEvent struct {
	EventID                string     `json:"event_id"`
	EventType              string     `json:"event_type"`
	LicenseID              string     `json:"license_id"`
	PlanID                 string     `json:"subscription_plan_id"`
	EnterpriseCustomerUUID string     `json:"enterprise_customer_uuid,omitempty"`
	Status                 string     `json:"status"`
	UserKey                string     `json:"user_key,omitempty"`
	AssignedDate           *time.Time `json:"assigned_date,omitempty"`
	ActivationDate         *time.Time `json:"activation_date,omitempty"`
	RevokedDate            *time.Time `json:"revoked_date,omitempty"`
	Timestamp              time.Time  `json:"timestamp"`
	PII                    *EventPII  `json:"pii,omitempty"`
}

type EventPII struct {
	UserEmail string `json:"user_email"`
}

// PlanRenewedEvent is published once a renewal has been applied.
type PlanRenewedEvent struct {
	EventID                string    `json:"event_id"`
	RenewalID              string    `json:"renewal_id"`
	PriorPlanID            string    `json:"prior_plan_id"`
	RenewedPlanID          string    `json:"renewed_plan_id"`
	EnterpriseCustomerUUID string    `json:"enterprise_customer_uuid,omitempty"`
	NumTransferred         int       `json:"num_transferred"`
	NumReleased            int       `json:"num_released"`
	Timestamp              time.Time `json:"timestamp"`
}

// EventFactory builds bus payloads and publishes them best effort.
// Publish failures are logged, never returned: bus delivery must not
// roll back or fail a committed transaction.
type EventFactory struct {
	publisher eventbus.Publisher
	node      *snowflake.Node
	hashKey   []byte
}

func NewEventFactory(cfg *config.Config, publisher eventbus.Publisher, node *snowflake.Node) *EventFactory {
	// blake2b caps keys at 64 bytes; reduce whatever the operator
	// configured to a fixed-size digest.
	derived := blake2b.Sum256([]byte(cfg.SecretHashKey))
	return &EventFactory{
		publisher: publisher,
		node:      node,
		hashKey:   derived[:],
	}
}

// UserKey returns the keyed blake2b digest of the lowercased email,
// hex encoded. Empty email yields an empty key.
func (f *EventFactory) UserKey(email string) string {
	if email == "" {
		return ""
	}

	h, err := blake2b.New256(f.hashKey)
	if err != nil {
		return ""
	}
	h.Write([]byte(normalizeEmail(email)))
	return hex.EncodeToString(h.Sum(nil))
}

// PublishLicenseModified emits one license.modified message keyed by
// the plan's enterprise customer UUID so per-customer ordering holds.
func (f *EventFactory) PublishLicenseModified(ctx context.Context, plan *SubscriptionPlan, lic *License) {
	if f == nil || f.publisher == nil {
		return
	}

	event := LicenseModifiedEvent{
		EventID:        f.node.Generate().String(),
		EventType:      eventbus.EventLicenseModified,
		LicenseID:      lic.ID,
		PlanID:         lic.PlanID,
		Status:         lic.Status.String(),
		UserKey:        f.UserKey(lic.Email()),
		AssignedDate:   lic.AssignedDate,
		ActivationDate: lic.ActivationDate,
		RevokedDate:    lic.RevokedDate,
		Timestamp:      time.Now().UTC(),
	}
	if plan != nil {
		event.EnterpriseCustomerUUID = plan.EnterpriseCustomerUUID
	}
	if email := lic.Email(); email != "" {
		event.PII = &EventPII{UserEmail: email}
	}

	key := event.EnterpriseCustomerUUID
	if key == "" {
		key = lic.PlanID
	}
	f.publish(ctx, eventbus.EventLicenseModified, key, event, zap.String("license_id", lic.ID))
}

// PublishPlanRenewed emits one plan.renewed message after renewal
// processing commits.
func (f *EventFactory) PublishPlanRenewed(ctx context.Context, renewal *SubscriptionPlanRenewal, renewedPlan *SubscriptionPlan, numTransferred, numReleased int) {
	if f == nil || f.publisher == nil {
		return
	}

	event := PlanRenewedEvent{
		EventID:                f.node.Generate().String(),
		RenewalID:              renewal.ID,
		PriorPlanID:            renewal.PriorPlanID,
		RenewedPlanID:          renewedPlan.ID,
		EnterpriseCustomerUUID: renewedPlan.EnterpriseCustomerUUID,
		NumTransferred:         numTransferred,
		NumReleased:            numReleased,
		Timestamp:              time.Now().UTC(),
	}

	key := event.EnterpriseCustomerUUID
	if key == "" {
		key = renewal.PriorPlanID
	}
	f.publish(ctx, eventbus.EventPlanRenewed, key, event, zap.String("renewal_id", renewal.ID))
}

func (f *EventFactory) publish(ctx context.Context, eventType, key string, event interface{}, fields ...zap.Field) {
	payload, err := json.Marshal(event)
	if err != nil {
		zap.L().Error("[EventBus] failed to encode event",
			append(fields, zap.String("event_type", eventType), zap.Error(err))...)
		return
	}

	if err := f.publisher.Publish(ctx, eventType, key, payload); err != nil {
		zap.L().Error("[EventBus] failed to publish event",
			append(fields, zap.String("event_type", eventType), zap.Error(err))...)
	}
}
