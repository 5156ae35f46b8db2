package configflow

import (
	"time"

	"github.com/nerrad567/savantaudio/internal/entry"
)

// ResultType is the outcome of a flow step.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Abort reasons.
const (
	ReasonCannotConnect     = "cannot_connect"
	ReasonAlreadyConfigured = "already_configured"
	ReasonAlreadyInProgress = "already_in_progress"
	ReasonInvalidConfig     = "invalid_config"
)

// Step ids.
const (
	StepUser             = "user"
	StepDiscoveryConfirm = "discovery_confirm"
	StepImport           = "import"
	StepSources          = "sources"
	StepSourceNames      = "source_names"
	StepZones            = "zones"
	StepZoneNames        = "zone_names"
	StepZoneDefaults     = "zone_defaults"
)

// Form error codes, keyed by field name in FlowResult.Errors.
const (
	ErrorRequired      = "required"
	ErrorInvalidPort   = "invalid_port"
	ErrorInvalidValue  = "invalid_value"
	ErrorNameRequired  = "name_required"
	ErrorUnknownSource = "unknown_source"
)

// Input is a submitted form, usually decoded from JSON.
type Input map[string]any

// FieldType describes how a form field is rendered and parsed.
type FieldType string

const (
	FieldString      FieldType = "string"
	FieldInt         FieldType = "integer"
	FieldMultiSelect FieldType = "multi_select"
	FieldSelect      FieldType = "select"
)

// Option is one choice of a select or multi-select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field is one form field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
	Options  []Option  `json:"options,omitempty"`
}

// FlowResult is returned by every flow call.
type FlowResult struct {
	FlowID  string            `json:"flow_id"`
	Handler string            `json:"handler"`
	Type    ResultType        `json:"type"`
	StepID  string            `json:"step_id,omitempty"`
	Schema  []Field           `json:"data_schema,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Title   string            `json:"title,omitempty"`
	EntryID string            `json:"entry_id,omitempty"`

	// Data is the created entry's entry.Data for config flows and the
	// committed entry.Options for options flows.
	Data any `json:"data,omitempty"`
}

// DiscoveryInfo describes a switch found on the network.
type DiscoveryInfo struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`

	// Port is the advertised control port. Zero means entry.DefaultPort.
	Port int `json:"port,omitempty"`
}

// FlowInfo describes an in-progress flow.
type FlowInfo struct {
	FlowID    string       `json:"flow_id"`
	Handler   string       `json:"handler"`
	StepID    string       `json:"step_id"`
	Source    entry.Origin `json:"source,omitempty"`
	Host      string       `json:"host,omitempty"`
	Options   bool         `json:"options"`
	StartedAt time.Time    `json:"started_at"`
}
