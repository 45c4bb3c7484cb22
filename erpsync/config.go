package erpsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

var validate = validator.New()

// CronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type configShape struct {
	SourceTable      string                `validate:"required"`
	TargetEntity     string                `validate:"required"`
	UniqueErpField   string                `validate:"required"`
	UniqueLocalField string                `validate:"required"`
	SyncDirection    string                `validate:"oneof=one-way two-way"`
	ConflictPolicy   string                `validate:"omitempty,oneof=erp-wins local-wins"`
	FieldMappings    []models.FieldMapping `validate:"required,min=1,dive"`
}

// ValidateConfig checks an integration against its target entity. Every
// failure wraps ErrInvalidConfig.
func ValidateConfig(cfg models.Integration, spec EntitySpec) error {
	mappings := cfg.Mappings()
	shape := configShape{
		SourceTable:      strings.TrimSpace(cfg.SourceTable),
		TargetEntity:     strings.TrimSpace(cfg.TargetEntity),
		UniqueErpField:   strings.TrimSpace(cfg.UniqueErpField),
		UniqueLocalField: strings.TrimSpace(cfg.UniqueLocalField),
		SyncDirection:    cfg.SyncDirection,
		ConflictPolicy:   cfg.ConflictPolicy,
		FieldMappings:    mappings,
	}
	if err := validate.Struct(shape); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	byErp := map[string]string{}
	byLocal := map[string]string{}
	for _, f := range mappings {
		if prev, ok := byErp[f.ErpField]; ok {
			return fmt.Errorf("%w: erp field %s is mapped to both %s and %s", ErrInvalidConfig, f.ErpField, prev, f.LocalField)
		}
		if prev, ok := byLocal[f.LocalField]; ok {
			return fmt.Errorf("%w: local field %s is fed by both %s and %s", ErrInvalidConfig, f.LocalField, prev, f.ErpField)
		}
		byErp[f.ErpField] = f.LocalField
		byLocal[f.LocalField] = f.ErpField
		if !spec.HasColumn(f.LocalField) {
			return fmt.Errorf("%w: %s has no column %s", ErrInvalidConfig, spec.Name, f.LocalField)
		}
	}

	if _, ok := byLocal[cfg.UniqueLocalField]; !ok && cfg.UniqueLocalField != spec.KeyField {
		return fmt.Errorf("%w: unique local field %s is neither mapped nor the key field", ErrInvalidConfig, cfg.UniqueLocalField)
	}
	if local, ok := byErp[cfg.UniqueErpField]; ok && local != cfg.UniqueLocalField {
		return fmt.Errorf("%w: unique erp field %s is mapped to %s, not %s", ErrInvalidConfig, cfg.UniqueErpField, local, cfg.UniqueLocalField)
	}
	if !spec.HasColumn(cfg.UniqueLocalField) {
		return fmt.Errorf("%w: %s has no column %s", ErrInvalidConfig, spec.Name, cfg.UniqueLocalField)
	}

	defaults := cfg.DefaultValues()
	for local := range defaults {
		if !spec.HasColumn(local) {
			return fmt.Errorf("%w: default for unknown column %s", ErrInvalidConfig, local)
		}
	}
	for _, req := range spec.RequiredFields {
		if spec.Sequence != nil && req == spec.Sequence.Field {
			continue
		}
		if _, ok := byLocal[req]; ok {
			continue
		}
		if req == cfg.UniqueLocalField {
			continue
		}
		if _, ok := defaults[req]; ok {
			continue
		}
		return fmt.Errorf("%w: required field %s is not mapped and has no default", ErrInvalidConfig, req)
	}

	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		if _, err := CronParser.Parse(s); err != nil {
			return fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, s, err)
		}
	}
	return nil
}

// GormConfigSource loads integrations from the integrations table.
type GormConfigSource struct {
	DB *gorm.DB
}

func (s GormConfigSource) Load(ctx context.Context, id uint) (models.Integration, error) {
	var cfg models.Integration
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Integration{}, fmt.Errorf("%w: id=%d", ErrIntegrationNotFound, id)
	}
	return cfg, err
}

// ListScheduled returns active integrations that carry a schedule.
func (s GormConfigSource) ListScheduled(ctx context.Context) ([]models.Integration, error) {
	var out []models.Integration
	err := s.DB.WithContext(ctx).
		Where("is_active = ? AND schedule <> ''", true).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s GormConfigSource) Save(ctx context.Context, cfg *models.Integration) error {
	return s.DB.WithContext(ctx).Save(cfg).Error
}
