package models

import (
	"strings"

	"gorm.io/gorm"
)

// NormalizeKey strips leading zeros from all-digit codes ("00012" -> "12").
// Anything else is only trimmed.
func NormalizeKey(s string) string {
	s = strings.TrimSpace(s)
	if !isDigits(s) {
		return s
	}
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Customer) BeforeSave(*gorm.DB) error {
	c.CodeNorm = NormalizeKey(c.Code)
	return nil
}

func (i *Item) BeforeSave(*gorm.DB) error {
	i.CodeNorm = NormalizeKey(i.Code)
	return nil
}

func (c *Contract) BeforeSave(*gorm.DB) error {
	c.CodeNorm = NormalizeKey(c.Code)
	return nil
}

func (p *ContractPlate) BeforeSave(*gorm.DB) error {
	p.ErpLineIdNorm = NormalizeKey(p.ErpLineId)
	return nil
}

// backfillKeys fills normColumn for rows written before it existed.
func backfillKeys(db *gorm.DB, model any, column, normColumn string) error {
	var lastID uint
	for {
		var rows []struct {
			ID        uint
			LookupKey string
		}
		err := db.Model(model).
			Select("id, "+column+" AS lookup_key").
			Where("id > ?", lastID).
			Where("("+normColumn+" = '' OR "+normColumn+" IS NULL) AND "+column+" <> ''").
			Order("id").Limit(500).
			Scan(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if err := db.Model(model).Where("id = ?", row.ID).UpdateColumn(normColumn, NormalizeKey(row.LookupKey)).Error; err != nil {
				return err
			}
			lastID = row.ID
		}
	}
}
