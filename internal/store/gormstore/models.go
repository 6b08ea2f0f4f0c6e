package gormstore

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table.
type Wallet struct {
	UserID         string `gorm:"primaryKey"`
	AvailableCents int64  `gorm:"not null;default:0"`
	PendingCents   int64  `gorm:"not null;default:0"`
	IsActive       bool   `gorm:"not null"`
	PinHash        string `gorm:"not null;default:''"`
	Version        int64  `gorm:"not null;default:0"`
	CreatedUnixUTC int64  `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletTransaction mirrors the wallet_transactions table.
type WalletTransaction struct {
	TransactionID       string         `gorm:"type:uuid;primaryKey"`
	UserID              string         `gorm:"not null;index:uniq_wallet_tx_idem,unique,priority:1;index:idx_wallet_tx_user_created,priority:1"`
	Type                string         `gorm:"not null"`
	AmountCents         int64          `gorm:"not null"`
	OrderID             string         `gorm:"not null;default:'';index:idx_wallet_tx_order"`
	SellerID            string         `gorm:"not null;default:''"`
	BalanceAfter        int64          `gorm:"not null"`
	PendingBalanceAfter int64          `gorm:"not null"`
	Status              string         `gorm:"not null"`
	IdempotencyKey      string         `gorm:"not null;index:uniq_wallet_tx_idem,unique,priority:2"`
	Metadata            datatypes.JSON `gorm:"not null"`
	CreatedUnixUTC      int64          `gorm:"not null;index:idx_wallet_tx_user_created,priority:2"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

func (transaction *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Order mirrors the orders table. Line items, shipping and tracking are JSON snapshots.
type Order struct {
	OrderID            string         `gorm:"primaryKey"`
	BuyerID            string         `gorm:"not null;index:idx_orders_buyer_created,priority:1"`
	Status             string         `gorm:"not null;index:idx_orders_status_due,priority:1"`
	PaymentStatus      string         `gorm:"not null"`
	Items              datatypes.JSON `gorm:"not null"`
	Shipping           datatypes.JSON `gorm:"not null"`
	Tracking           datatypes.JSON `gorm:"not null"`
	CancelReason       string         `gorm:"not null;default:''"`
	DeliveryDueUnixUTC int64          `gorm:"not null;default:0;index:idx_orders_status_due,priority:2"`
	CreatedUnixUTC     int64          `gorm:"not null;index:idx_orders_buyer_created,priority:2"`
	PackedUnixUTC      int64          `gorm:"not null;default:0"`
	ShippedUnixUTC     int64          `gorm:"not null;default:0"`
	DeliveredUnixUTC   int64          `gorm:"not null;default:0"`
	CancelledUnixUTC   int64          `gorm:"not null;default:0"`
	Version            int64          `gorm:"not null;default:0"`
}

func (Order) TableName() string { return "orders" }

type lineItemRecord struct {
	ProductID      string `json:"product_id"`
	SellerID       string `json:"seller_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &WalletTransaction{}, &Order{})
}
