package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Parking entities mirrored from the ERP. ErpSyncedAt is stamped whenever a row
// is reconciled from or pushed to the ERP; a row with UpdatedAt after it carries
// local edits that the ERP has not seen yet. The *Norm columns hold the key
// with leading zeros stripped and are what key lookups query.

type Customer struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	Code        string     `gorm:"size:64;uniqueIndex" json:"code"`
	CodeNorm    string     `gorm:"size:64;index" json:"-"`
	Name        string     `gorm:"size:255;not null" json:"name"`
	TaxNumber   string     `gorm:"size:32" json:"tax_number"`
	Phone       string     `gorm:"size:32" json:"phone"`
	Email       string     `gorm:"size:255" json:"email"`
	Address     string     `gorm:"size:255" json:"address"`
	City        string     `gorm:"size:100" json:"city"`
	IsActive    *bool      `gorm:"not null;default:true" json:"is_active"`
	ErpSyncedAt *time.Time `json:"erp_synced_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Item struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	Code        string          `gorm:"size:64;uniqueIndex" json:"code"`
	CodeNorm    string          `gorm:"size:64;index" json:"-"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	VatCategory string          `gorm:"size:16" json:"vat_category"`
	IsActive    *bool           `gorm:"not null;default:true" json:"is_active"`
	ErpSyncedAt *time.Time      `json:"erp_synced_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type Contract struct {
	ID           uint            `gorm:"primary_key" json:"id"`
	Code         string          `gorm:"size:64;uniqueIndex" json:"code"`
	CodeNorm     string          `gorm:"size:64;index" json:"-"`
	CustomerCode string          `gorm:"size:64;index" json:"customer_code"`
	Description  string          `gorm:"size:255" json:"description"`
	StartDate    *time.Time      `json:"start_date"`
	EndDate      *time.Time      `json:"end_date"`
	MonthlyFee   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"monthly_fee"`
	Status       string          `gorm:"size:32" json:"status"`
	ErpSyncedAt  *time.Time      `json:"erp_synced_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ContractPlate is one licence plate line of a contract. LineNo is allocated
// locally per contract when the ERP does not send one.
type ContractPlate struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	ErpLineId     string          `gorm:"size:64;uniqueIndex" json:"erp_line_id"`
	ErpLineIdNorm string          `gorm:"size:64;index" json:"-"`
	ContractCode  string          `gorm:"size:64;not null;uniqueIndex:idx_contract_plate_line" json:"contract_code"`
	LineNo        int             `gorm:"not null;uniqueIndex:idx_contract_plate_line" json:"line_no"`
	PlateNumber   string          `gorm:"size:32;not null" json:"plate_number"`
	VehicleType   string          `gorm:"size:32" json:"vehicle_type"`
	ValidFrom     *time.Time      `json:"valid_from"`
	ValidTo       *time.Time      `json:"valid_to"`
	Price         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	Notes         string          `gorm:"type:text" json:"notes"`
	ErpSyncedAt   *time.Time      `json:"erp_synced_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
