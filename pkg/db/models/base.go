package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// assignID fills a zero primary key before insert so rows get ids on every driver.
func assignID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func (p *PricingPlan) BeforeCreate(*gorm.DB) error           { assignID(&p.ID); return nil }
func (t *PricingTier) BeforeCreate(*gorm.DB) error           { assignID(&t.ID); return nil }
func (f *Feature) BeforeCreate(*gorm.DB) error               { assignID(&f.ID); return nil }
func (f *PlanFeature) BeforeCreate(*gorm.DB) error           { assignID(&f.ID); return nil }
func (o *Organization) BeforeCreate(*gorm.DB) error          { assignID(&o.ID); return nil }
func (m *OrganizationMember) BeforeCreate(*gorm.DB) error    { assignID(&m.ID); return nil }
func (s *Subscription) BeforeCreate(*gorm.DB) error          { assignID(&s.ID); return nil }
func (u *UsageRecord) BeforeCreate(*gorm.DB) error           { assignID(&u.ID); return nil }
func (u *UsageReport) BeforeCreate(*gorm.DB) error           { assignID(&u.ID); return nil }
func (p *Promotion) BeforeCreate(*gorm.DB) error             { assignID(&p.ID); return nil }
func (c *Coupon) BeforeCreate(*gorm.DB) error                { assignID(&c.ID); return nil }
func (c *CancellationFeedback) BeforeCreate(*gorm.DB) error  { assignID(&c.ID); return nil }
func (t *TaxRate) BeforeCreate(*gorm.DB) error               { assignID(&t.ID); return nil }
func (w *WebhookSubscription) BeforeCreate(*gorm.DB) error   { assignID(&w.ID); return nil }
func (w *WebhookDelivery) BeforeCreate(*gorm.DB) error       { assignID(&w.ID); return nil }
func (e *ProcessedWebhookEvent) BeforeCreate(*gorm.DB) error { assignID(&e.ID); return nil }
func (e *OutboxEvent) BeforeCreate(*gorm.DB) error           { assignID(&e.ID); return nil }
func (e *OutboxDLQ) BeforeCreate(*gorm.DB) error             { assignID(&e.ID); return nil }
