// Package model contains the domain types shared across packages: connectors,
// jobs, runs, discovered files and check-runs.
package model

// Action is a connector capability tag. Every Run executes exactly one.
type Action string

const (
	ActionWebLogin               Action = "internal.web_login"
	ActionInvoiceDownload        Action = "invoice.download"
	ActionInvoiceExport          Action = "invoice.export"
	ActionPaymentPay             Action = "payment.pay"
	ActionPaymentImport          Action = "payment.import"
	ActionPaymentExport          Action = "payment.export"
	ActionStatementDownload      Action = "statement.download"
	ActionPODownload             Action = "po.download"
	ActionOrderGuideDownload     Action = "order_guide.download"
	ActionVendorImportList       Action = "vendor.import_list"
	ActionGLImportList           Action = "gl.import_list"
	ActionBankImportList         Action = "bank.import_list"
	ActionImportMultipleEntities Action = "accounting.import_multiple_entities"
)

// Actions lists every known capability tag.
var Actions = []Action{
	ActionWebLogin,
	ActionInvoiceDownload,
	ActionInvoiceExport,
	ActionPaymentPay,
	ActionPaymentImport,
	ActionPaymentExport,
	ActionStatementDownload,
	ActionPODownload,
	ActionOrderGuideDownload,
	ActionVendorImportList,
	ActionGLImportList,
	ActionBankImportList,
	ActionImportMultipleEntities,
}

// Valid reports whether a is a known capability tag.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Downloads reports whether the action yields discovered documents.
func (a Action) Downloads() bool {
	switch a {
	case ActionInvoiceDownload, ActionStatementDownload, ActionPODownload, ActionOrderGuideDownload:
		return true
	}
	return false
}

// Imports reports whether the action imports accounting entities.
func (a Action) Imports() bool {
	switch a {
	case ActionVendorImportList, ActionGLImportList, ActionBankImportList,
		ActionImportMultipleEntities, ActionPaymentImport:
		return true
	}
	return false
}

// EntityType is an accounting entity kind pulled by import runs.
type EntityType string

const (
	EntityBankAccount EntityType = "bank_account"
	EntityGLAccount   EntityType = "gl_account"
	EntityVendor      EntityType = "vendor"
	EntityPayment     EntityType = "payment"
)

// Entity returns the entity imported by a single-entity import action.
func (a Action) Entity() (EntityType, bool) {
	switch a {
	case ActionBankImportList:
		return EntityBankAccount, true
	case ActionGLImportList:
		return EntityGLAccount, true
	case ActionVendorImportList:
		return EntityVendor, true
	case ActionPaymentImport:
		return EntityPayment, true
	}
	return "", false
}

// Channel is how the connector reaches the remote portal.
type Channel string

const (
	ChannelWeb Channel = "WEB"
	ChannelFTP Channel = "FTP"
)

// Kind splits vendor portals from accounting systems.
type Kind string

const (
	KindVendor     Kind = "VENDOR"
	KindAccounting Kind = "ACCOUNTING"
)

// DisabledReason explains why a connector is not enabled.
type DisabledReason string

const (
	DisabledNotImplemented      DisabledReason = "not-implemented"
	DisabledInvoicesNotProvided DisabledReason = "invoices-not-provided"
	DisabledRequires2FA         DisabledReason = "requires-2fa"
	DisabledCaptcha             DisabledReason = "captcha"
	DisabledOther               DisabledReason = "other"
)

// Adapter codes with special meaning to the trigger policy.
const (
	AdapterCodeBacklog = "backlog"
	AdapterCodeManual  = "manual"
)

// Connector is an integration template. It is immutable once loaded.
type Connector struct {
	ID                      string           `json:"id" yaml:"id"`
	AdapterCode             string           `json:"adapter_code" yaml:"adapter_code"`
	Name                    string           `json:"name" yaml:"name"`
	Channel                 Channel          `json:"channel" yaml:"channel"`
	Kind                    Kind             `json:"kind" yaml:"kind"`
	Enabled                 bool             `json:"enabled" yaml:"enabled"`
	Capabilities            []Action         `json:"capabilities" yaml:"capabilities"`
	DisabledReason          DisabledReason   `json:"disabled_reason,omitempty" yaml:"disabled_reason"`
	CustomProperties        CustomProperties `json:"custom_properties,omitempty" yaml:"custom_properties"`
	ContainsSupportDocument bool             `json:"contains_support_document" yaml:"contains_support_document"`
	IsManual                bool             `json:"is_manual" yaml:"is_manual"`

	// FrequencyDays bounds how often manual runs are retried.
	FrequencyDays int `json:"frequency_days" yaml:"frequency_days"`
}

// Has reports whether the connector advertises a.
func (c *Connector) Has(a Action) bool {
	for _, capability := range c.Capabilities {
		if capability == a {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or maps with c.
func (c *Connector) Clone() *Connector {
	out := *c
	out.Capabilities = append([]Action(nil), c.Capabilities...)
	out.CustomProperties = CustomProperties(cloneMap(c.CustomProperties))
	return &out
}
