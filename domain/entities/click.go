package entities

import "time"

// ClickType distinguishes the supplier contact channels we monetize.
type ClickType string

const (
	ClickTypeWhatsApp ClickType = "whatsapp"
	ClickTypeCall     ClickType = "call"
)

// SupplierClick is one pay-per-lead contact event. Recording is best-effort;
// a lost click must never affect the user-visible flow.
type SupplierClick struct {
	SupplierID string    `json:"supplier_id" bson:"supplier_id"`
	OfferID    string    `json:"offer_id" bson:"offer_id"`
	ClickType  ClickType `json:"click_type" bson:"click_type"`
	UserID     string    `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
}
