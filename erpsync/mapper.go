package erpsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
	"github.com/mmdatafocus/parking_backend/utils"
)

const ReasonMalformedRow = "MALFORMED_ROW"

const defaultPhoneRegion = "GR"

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

var errNoColumns = errors.New("positional row without column model")

// ResolveRow turns a positional or keyed ERP row into a key->value record.
// Columns named TABLE.FIELD are also reachable by FIELD.
func ResolveRow(columns []softone.Column, row softone.Row) (ErpRecord, error) {
	if row.Keyed() {
		rec := make(ErpRecord, len(row.Fields))
		for k, v := range row.Fields {
			rec[k] = v
		}
		return rec, nil
	}
	if len(columns) == 0 {
		return nil, errNoColumns
	}
	rec := make(ErpRecord, len(columns)*2)
	for i, col := range columns {
		var v any
		if i < len(row.Values) {
			v = row.Values[i]
		}
		rec[col.Name] = v
	}
	for i, col := range columns {
		idx := strings.LastIndex(col.Name, ".")
		if idx < 0 {
			continue
		}
		short := col.Name[idx+1:]
		if _, taken := rec[short]; taken {
			continue
		}
		if i < len(row.Values) {
			rec[short] = row.Values[i]
		} else {
			rec[short] = nil
		}
	}
	return rec, nil
}

func (r ErpRecord) Get(field string) (any, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

// Mapper applies an integration's field mappings in both directions.
type Mapper struct {
	mappings    []models.FieldMapping
	defaults    map[string]string
	uniqueErp   string
	uniqueLocal string
	required    map[string]bool
	byLocal     map[string]models.FieldMapping
	phoneRegion string
}

func NewMapper(cfg models.Integration, spec EntitySpec) *Mapper {
	m := &Mapper{
		mappings:    cfg.Mappings(),
		defaults:    cfg.DefaultValues(),
		uniqueErp:   cfg.UniqueErpField,
		uniqueLocal: cfg.UniqueLocalField,
		required:    map[string]bool{},
		byLocal:     map[string]models.FieldMapping{},
		phoneRegion: defaultPhoneRegion,
	}
	for _, f := range m.mappings {
		m.byLocal[f.LocalField] = f
		if f.Required {
			m.required[f.LocalField] = true
		}
	}
	for _, f := range spec.RequiredFields {
		m.required[f] = true
	}
	if spec.Sequence != nil {
		delete(m.required, spec.Sequence.Field)
	}
	return m
}

// MapErpRowToLocal never panics; every problem comes back as a *MapError.
func (m *Mapper) MapErpRowToLocal(rec ErpRecord) (row *MappedRow, mapErr *MapError) {
	defer func() {
		if r := recover(); r != nil {
			row = nil
			mapErr = &MapError{Reason: ReasonMalformedRow, Message: fmt.Sprint(r), Source: rec}
		}
	}()

	rawKey, _ := rec.Get(m.uniqueErp)
	key := ""
	if v, ok := coerce(m.uniqueDataType(), rawKey, m.phoneRegion); ok {
		key = stringOf(v)
	}

	fields := Record{}
	var cleared []string
	for _, f := range m.mappings {
		raw, present := rec.Get(f.ErpField)
		if v, ok := coerce(f.DataType, raw, m.phoneRegion); ok {
			fields[f.LocalField] = v
			continue
		}
		if present && isAbsent(raw) && !m.required[f.LocalField] && f.LocalField != m.uniqueLocal {
			cleared = append(cleared, f.LocalField)
		}
	}

	if key == "" {
		return nil, &MapError{Field: m.uniqueErp, Reason: ReasonMissingUniqueKey, Message: "unique key is empty", Source: rec}
	}
	if _, ok := fields[m.uniqueLocal]; !ok {
		fields[m.uniqueLocal] = key
	}

	defaults := Record{}
	for local, v := range m.defaults {
		if _, ok := fields[local]; ok {
			continue
		}
		dt := models.DataTypeString
		if f, ok := m.byLocal[local]; ok {
			dt = f.DataType
		}
		if cv, ok := coerce(dt, v, m.phoneRegion); ok {
			defaults[local] = cv
		}
	}

	for _, local := range sortedKeys(m.required) {
		if _, ok := fields[local]; ok {
			continue
		}
		if _, ok := defaults[local]; ok {
			continue
		}
		return nil, &MapError{
			UniqueKey: key,
			Field:     local,
			Reason:    ReasonRequiredFieldMissing,
			Message:   fmt.Sprintf("required field %s has no value and no default", local),
			Source:    rec,
		}
	}

	return &MappedRow{UniqueKey: key, Fields: fields, Defaults: defaults, Cleared: cleared, Source: rec}, nil
}

func (m *Mapper) uniqueDataType() string {
	for _, f := range m.mappings {
		if f.ErpField == m.uniqueErp && f.DataType != "" {
			return f.DataType
		}
	}
	return models.DataTypeString
}

// MapLocalRowToErp builds the push payload. Only mapped local fields are sent.
func (m *Mapper) MapLocalRowToErp(local Record) map[string]any {
	payload := map[string]any{}
	for _, f := range m.mappings {
		v, ok := local[f.LocalField]
		if !ok || isAbsent(v) {
			continue
		}
		payload[f.ErpField] = erpValue(f.DataType, v)
	}
	return payload
}

func erpValue(dataType string, v any) any {
	v = deref(v)
	switch dataType {
	case models.DataTypeDate:
		if t, ok := timeOf(v); ok {
			return t.Format("2006-01-02 15:04:05")
		}
	case models.DataTypeNumber:
		if d, ok := decimalOf(v); ok {
			return d.String()
		}
	case models.DataTypeInt:
		if d, ok := decimalOf(v); ok {
			return d.IntPart()
		}
	case models.DataTypeBool:
		if b, ok := boolOf(v); ok {
			if b {
				return 1
			}
			return 0
		}
	}
	return stringOf(v)
}

// coerce converts a raw ERP value. The bool result is false when the value is
// absent or cannot be interpreted as the data type.
func coerce(dataType string, raw any, phoneRegion string) (any, bool) {
	if isAbsent(raw) {
		return nil, false
	}
	switch dataType {
	case "", models.DataTypeString, models.DataTypeCode:
		return stringOf(raw), true
	case models.DataTypeNumber:
		d, ok := decimalOf(raw)
		return d, ok
	case models.DataTypeInt:
		d, ok := decimalOf(raw)
		if !ok {
			return nil, false
		}
		return d.IntPart(), true
	case models.DataTypeBool:
		return boolOf(raw)
	case models.DataTypeDate:
		return timeOf(raw)
	case models.DataTypePhone:
		return normalizePhone(stringOf(raw), phoneRegion), true
	default:
		return stringOf(raw), true
	}
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// normalizePhone formats valid numbers as E.164 and keeps anything else as sent.
func normalizePhone(s string, region string) string {
	e164, err := utils.FormatPhoneNumber(s, region)
	if err != nil {
		return s
	}
	return e164
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
