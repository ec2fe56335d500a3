package models

import "time"

// Transaction mirrors one committed ledger transaction for external
// indexing. The engine state in Badger stays the source of truth; these
// rows exist for observers and audit queries only.
type Transaction struct {
	TxHash      string    `gorm:"column:tx_hash;primaryKey;type:varchar(66)"`
	BlockHeight int64     `gorm:"column:block_height;index;not null"`
	Op          string    `gorm:"column:op;type:varchar(50);not null"`
	Sender      string    `gorm:"column:sender;type:varchar(66);index;not null"`
	Log         string    `gorm:"column:log;type:text"`
	Timestamp   time.Time `gorm:"column:timestamp;not null"`

	// Relationships
	Events []ChainEvent `gorm:"foreignKey:TxHash;references:TxHash"`
}

// ChainEvent is one emitted notification, flattened for indexed lookup.
// Subject identifiers are pulled out of the attribute set so dashboards
// can filter by product, material, or stakeholder address directly.
type ChainEvent struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	TxHash      string    `gorm:"column:tx_hash;type:varchar(66);index;not null"`
	Name        string    `gorm:"column:name;type:varchar(50);index;not null"`
	ProductID   *uint64   `gorm:"column:product_id;index"`
	MaterialID  *uint64   `gorm:"column:material_id;index"`
	Address     *string   `gorm:"column:address;type:varchar(66);index"`
	Attributes  string    `gorm:"column:attributes;type:jsonb"`
	BlockHeight int64     `gorm:"column:block_height;index;not null"`
	Timestamp   time.Time `gorm:"column:timestamp;not null"`
}
