package ledger

import "time"

// Status is the lifecycle state of a product.
type Status string

const (
	StatusManufactured  Status = "Manufactured"
	StatusInTransit     Status = "InTransit"
	StatusAtDistributor Status = "AtDistributor"
	StatusAtPharmacy    Status = "AtPharmacy"
	StatusSold          Status = "Sold"
	StatusRecalled      Status = "Recalled"
)

// Stakeholder is a registered real-world actor identified by address.
// Records are never deleted; Deactivate flips Active to false and every
// capability check requires Active, so granted roles on an inactive
// stakeholder are inert.
type Stakeholder struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	RoleLabel    string    `json:"role_label"`
	LicenseInfo  string    `json:"license_info"`
	Roles        RoleSet   `json:"roles"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RawMaterial is an immutable intake record. The only mutation in its
// lifecycle is Verified flipping false to true by a regulator.
type RawMaterial struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	Origin       string    `json:"origin"`
	CertHash     string    `json:"cert_hash"`
	Quantity     uint64    `json:"quantity"`
	Expiry       time.Time `json:"expiry"`
	Manufacturer string    `json:"manufacturer"`
	Verified     bool      `json:"verified"`
	AddedAt      time.Time `json:"added_at"`
}

// Product is a manufactured good composed of verified raw materials.
// Manufacturer and MaterialIDs are fixed at creation; CurrentOwner,
// Status and Recalled change through custody operations only.
type Product struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	BatchNumber  string    `json:"batch_number"`
	Manufacturer string    `json:"manufacturer"`
	CurrentOwner string    `json:"current_owner"`
	MaterialIDs  []uint64  `json:"material_ids"`
	Status       Status    `json:"status"`
	Recalled     bool      `json:"recalled"`
	Expiry       time.Time `json:"expiry"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventType tags a supply chain history entry.
type EventType string

const (
	EventTransfer     EventType = "Transfer"
	EventSale         EventType = "Sale"
	EventStatusUpdate EventType = "StatusUpdate"
	EventRecall       EventType = "Recall"
)

// SupplyChainEvent is one entry in a product's append-only audit trail.
type SupplyChainEvent struct {
	ProductID uint64    `json:"product_id"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note"`
	Timestamp time.Time `json:"timestamp"`
}
