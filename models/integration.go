package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SyncDirectionOneWay = "one-way"
	SyncDirectionTwoWay = "two-way"
)

const (
	ConflictPolicyErpWins   = "erp-wins"
	ConflictPolicyLocalWins = "local-wins"
)

// Data types understood by the row mapper.
const (
	DataTypeString = "string"
	DataTypeCode   = "code"
	DataTypeNumber = "number"
	DataTypeInt    = "int"
	DataTypeDate   = "date"
	DataTypeBool   = "bool"
	DataTypePhone  = "phone"
)

// FieldMapping maps one ERP field to one local column.
type FieldMapping struct {
	ErpField   string `json:"erp_field" validate:"required"`
	LocalField string `json:"local_field" validate:"required"`
	DataType   string `json:"data_type" validate:"omitempty,oneof=string code number int date bool phone"`
	Required   bool   `json:"required"`
}

// ErpCredentials are replayed to the ERP on every authenticate call.
type ErpCredentials struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	AppId    string `json:"app_id"`
	Company  string `json:"company"`
	Branch   string `json:"branch"`
	Module   string `json:"module"`
	RefId    string `json:"ref_id"`
}

// Integration is one configured pairing between an ERP table and a local entity.
type Integration struct {
	ID                   uint                                  `gorm:"primary_key" json:"id"`
	Name                 string                                `gorm:"size:100;not null" json:"name"`
	SourceTable          string                                `gorm:"size:100;not null" json:"source_table"`
	SourceList           string                                `gorm:"size:100" json:"source_list"`
	SourceFilter         string                                `gorm:"type:text" json:"source_filter"`
	TargetEntity         string                                `gorm:"size:100;not null" json:"target_entity"`
	TargetEntityKeyField string                                `gorm:"size:100;not null;default:id" json:"target_entity_key_field"`
	FieldMappings        datatypes.JSONType[[]FieldMapping]    `json:"field_mappings"`
	UniqueErpField       string                                `gorm:"size:100;not null" json:"unique_erp_field"`
	UniqueLocalField     string                                `gorm:"size:100;not null" json:"unique_local_field"`
	SyncDirection        string                                `gorm:"size:20;not null;default:one-way" json:"sync_direction"`
	ConflictPolicy       string                                `gorm:"size:20;not null;default:erp-wins" json:"conflict_policy"`
	Defaults             datatypes.JSONType[map[string]string] `json:"defaults"`
	Schedule             string                                `gorm:"size:100" json:"schedule"`
	ErpCredentials       datatypes.JSONType[ErpCredentials]    `json:"-"`
	IsActive             *bool                                 `gorm:"not null;default:true" json:"is_active"`
	CreatedAt            time.Time                             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time                             `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i Integration) Mappings() []FieldMapping {
	return i.FieldMappings.Data()
}

func (i Integration) DefaultValues() map[string]string {
	d := i.Defaults.Data()
	if d == nil {
		return map[string]string{}
	}
	return d
}

func (i Integration) Credentials() ErpCredentials {
	return i.ErpCredentials.Data()
}

func (i Integration) IsTwoWay() bool {
	return i.SyncDirection == SyncDirectionTwoWay
}

func (i Integration) Active() bool {
	return i.IsActive == nil || *i.IsActive
}

func (i Integration) KeyField() string {
	if i.TargetEntityKeyField == "" {
		return "id"
	}
	return i.TargetEntityKeyField
}

// NewIntegration is the create/update payload of the configuration API.
type NewIntegration struct {
	Name                 string            `json:"name" binding:"required"`
	SourceTable          string            `json:"source_table" binding:"required"`
	SourceList           string            `json:"source_list"`
	SourceFilter         string            `json:"source_filter"`
	TargetEntity         string            `json:"target_entity" binding:"required"`
	TargetEntityKeyField string            `json:"target_entity_key_field"`
	FieldMappings        []FieldMapping    `json:"field_mappings" binding:"required,min=1,dive"`
	UniqueErpField       string            `json:"unique_erp_field" binding:"required"`
	UniqueLocalField     string            `json:"unique_local_field" binding:"required"`
	SyncDirection        string            `json:"sync_direction" binding:"required,oneof=one-way two-way"`
	ConflictPolicy       string            `json:"conflict_policy" binding:"omitempty,oneof=erp-wins local-wins"`
	Defaults             map[string]string `json:"defaults"`
	Schedule             string            `json:"schedule"`
	ErpCredentials       ErpCredentials    `json:"erp_credentials"`
	IsActive             *bool             `json:"is_active"`
}

// Apply copies the payload onto i.
func (n *NewIntegration) Apply(i *Integration) {
	i.Name = n.Name
	i.SourceTable = n.SourceTable
	i.SourceList = n.SourceList
	i.SourceFilter = n.SourceFilter
	i.TargetEntity = n.TargetEntity
	i.TargetEntityKeyField = n.TargetEntityKeyField
	if i.TargetEntityKeyField == "" {
		i.TargetEntityKeyField = "id"
	}
	i.FieldMappings = datatypes.NewJSONType(n.FieldMappings)
	i.UniqueErpField = n.UniqueErpField
	i.UniqueLocalField = n.UniqueLocalField
	i.SyncDirection = n.SyncDirection
	i.ConflictPolicy = n.ConflictPolicy
	if i.ConflictPolicy == "" {
		i.ConflictPolicy = ConflictPolicyErpWins
	}
	i.Defaults = datatypes.NewJSONType(n.Defaults)
	i.Schedule = n.Schedule
	i.ErpCredentials = datatypes.NewJSONType(n.ErpCredentials)
	i.IsActive = n.IsActive
}
