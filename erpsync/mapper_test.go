package erpsync

import (
	"testing"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func specFor(t *testing.T, name string) EntitySpec {
	t.Helper()
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	spec, err := reg.Spec(name)
	if err != nil {
		t.Fatalf("Spec(%s): %v", name, err)
	}
	return spec
}

func TestResolveRow_PositionalWithShortNames(t *testing.T) {
	cols := []softone.Column{{Name: "CUSTOMER.CODE"}, {Name: "CUSTOMER.NAME"}, {Name: "CUSTOMER.CITY"}}
	rec, err := ResolveRow(cols, softone.Row{Values: []any{"0042", "Acme"}})
	if err != nil {
		t.Fatalf("ResolveRow: %v", err)
	}
	if rec["CUSTOMER.CODE"] != "0042" || rec["CODE"] != "0042" {
		t.Fatalf("expected full and short names, got %v", rec)
	}
	if v, ok := rec["CITY"]; !ok || v != nil {
		t.Fatalf("missing trailing value should resolve to nil, got %v (present=%v)", v, ok)
	}
	if v, ok := rec.Get("name"); !ok || v != "Acme" {
		t.Fatalf("case-insensitive Get failed: %v", v)
	}
}

func TestResolveRow_PositionalWithoutColumns(t *testing.T) {
	if _, err := ResolveRow(nil, softone.Row{Values: []any{"x"}}); err == nil {
		t.Fatalf("expected error for positional row without columns")
	}
}

func TestMapErpRowToLocal_CoercesAndDefaults(t *testing.T) {
	cfg := customerIntegration()
	m := NewMapper(cfg, specFor(t, "customers"))

	row, mapErr := m.MapErpRowToLocal(ErpRecord{
		"CODE":    "00077",
		"NAME":    "  Parking SA ",
		"PHONE01": "210 1234567",
		"CITY":    "",
	})
	if mapErr != nil {
		t.Fatalf("unexpected map error: %v", mapErr)
	}
	if row.UniqueKey != "00077" {
		t.Fatalf("unique key=%q", row.UniqueKey)
	}
	if row.Fields["name"] != "Parking SA" {
		t.Fatalf("name=%q", row.Fields["name"])
	}
	if row.Fields["phone"] != "+302101234567" {
		t.Fatalf("phone=%v", row.Fields["phone"])
	}
	if _, ok := row.Fields["city"]; ok {
		t.Fatalf("blank city should be absent, got %v", row.Fields["city"])
	}
	if len(row.Cleared) != 1 || row.Cleared[0] != "city" {
		t.Fatalf("blank city should be listed as cleared, got %v", row.Cleared)
	}
	if row.Defaults["address"] != "-" {
		t.Fatalf("defaults=%v", row.Defaults)
	}
}

func TestMapErpRowToLocal_Errors(t *testing.T) {
	m := NewMapper(customerIntegration(), specFor(t, "customers"))

	_, mapErr := m.MapErpRowToLocal(ErpRecord{"NAME": "No code"})
	if mapErr == nil || mapErr.Reason != ReasonMissingUniqueKey {
		t.Fatalf("expected MISSING_UNIQUE_KEY, got %v", mapErr)
	}

	_, mapErr = m.MapErpRowToLocal(ErpRecord{"CODE": "5"})
	if mapErr == nil || mapErr.Reason != ReasonRequiredFieldMissing || mapErr.Field != "name" {
		t.Fatalf("expected REQUIRED_FIELD_MISSING on name, got %v", mapErr)
	}
	if mapErr.UniqueKey != "5" {
		t.Fatalf("map error should carry the key, got %q", mapErr.UniqueKey)
	}
}

func TestMapErpRowToLocal_TypedFields(t *testing.T) {
	cfg := models.Integration{
		SourceTable:      "MTRL",
		TargetEntity:     "items",
		UniqueErpField:   "CODE",
		UniqueLocalField: "code",
		FieldMappings: datatypes.NewJSONType([]models.FieldMapping{
			{ErpField: "CODE", LocalField: "code", DataType: models.DataTypeCode},
			{ErpField: "NAME", LocalField: "name"},
			{ErpField: "PRICER", LocalField: "price", DataType: models.DataTypeNumber},
			{ErpField: "ISACTIVE", LocalField: "is_active", DataType: models.DataTypeBool},
		}),
	}
	m := NewMapper(cfg, specFor(t, "items"))
	row, mapErr := m.MapErpRowToLocal(ErpRecord{"CODE": "A1", "NAME": "Monthly", "PRICER": "45,50", "ISACTIVE": "0"})
	if mapErr != nil {
		t.Fatalf("unexpected map error: %v", mapErr)
	}
	price, ok := row.Fields["price"].(decimal.Decimal)
	if !ok || !price.Equal(decimal.RequireFromString("45.5")) {
		t.Fatalf("price=%v", row.Fields["price"])
	}
	if row.Fields["is_active"] != false {
		t.Fatalf("is_active=%v", row.Fields["is_active"])
	}

	payload := m.MapLocalRowToErp(Record{"code": "A1", "name": "Monthly", "price": decimal.RequireFromString("45.5"), "is_active": true})
	if payload["PRICER"] != "45.5" || payload["ISACTIVE"] != 1 || payload["CODE"] != "A1" {
		t.Fatalf("payload=%v", payload)
	}
}

func TestMapErpRowToLocal_Dates(t *testing.T) {
	cfg := models.Integration{
		TargetEntity:     "contracts",
		UniqueErpField:   "CODE",
		UniqueLocalField: "code",
		FieldMappings: datatypes.NewJSONType([]models.FieldMapping{
			{ErpField: "CODE", LocalField: "code"},
			{ErpField: "TRDR", LocalField: "customer_code", DataType: models.DataTypeCode},
			{ErpField: "FROMDATE", LocalField: "start_date", DataType: models.DataTypeDate},
			{ErpField: "TODATE", LocalField: "end_date", DataType: models.DataTypeDate},
		}),
	}
	m := NewMapper(cfg, specFor(t, "contracts"))
	row, mapErr := m.MapErpRowToLocal(ErpRecord{"CODE": "C1", "TRDR": "9", "FROMDATE": "2026-01-31 00:00:00", "TODATE": "not a date"})
	if mapErr != nil {
		t.Fatalf("unexpected map error: %v", mapErr)
	}
	want := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	if got, ok := row.Fields["start_date"].(time.Time); !ok || !got.Equal(want) {
		t.Fatalf("start_date=%v", row.Fields["start_date"])
	}
	if _, ok := row.Fields["end_date"]; ok {
		t.Fatalf("unparsable date should be absent")
	}
}
