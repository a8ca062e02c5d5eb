// Package mapping defines the tenant-scoped configuration model for the
// gateway: mapping definitions, their substitution rules, and the topic
// pattern grammar shared by the resolver and the connectors.
package mapping

import (
	"strings"
	"time"
)

// Topic pattern tokens. The grammar follows MQTT: '+' matches exactly one
// level, '#' matches any number of trailing levels and must be terminal.
const (
	TopicSeparator     = "/"
	WildcardSingle     = "+"
	WildcardMulti      = "#"
	TokenTopicLevel    = "_TOPIC_LEVEL_"
	TokenContextData   = "_CONTEXT_DATA_"
	TokenIdentity      = "_IDENTITY_"
	ContextDataKeyName = "key"
)

// SnoopedTemplatesMax bounds the raw payloads retained per mapping while
// snooping is active. The oldest entry is evicted when the bound is hit.
const SnoopedTemplatesMax = 5

// Direction distinguishes device-to-platform mappings from platform-to-device ones.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// TargetAPI names the canonical object kind a mapping produces or consumes.
type TargetAPI string

const (
	APIMeasurement TargetAPI = "MEASUREMENT"
	APIEvent       TargetAPI = "EVENT"
	APIAlarm       TargetAPI = "ALARM"
	APIInventory   TargetAPI = "INVENTORY"
	APIOperation   TargetAPI = "OPERATION"
)

// MappingType identifies the external payload format.
type MappingType string

const (
	MappingTypeJSON   MappingType = "JSON"
	MappingTypeBinary MappingType = "BINARY"
)

// TransformationType selects the extraction strategy applied to a payload.
type TransformationType string

const (
	// TransformationDefault evaluates the declared substitution rules as
	// path expressions against the payload.
	TransformationDefault TransformationType = "DEFAULT"
	// TransformationCode runs a tenant-supplied script that returns an
	// explicit substitution-result object.
	TransformationCode TransformationType = "SUBSTITUTION_AS_CODE"
	// TransformationSmartFunction runs a tenant-supplied script that returns
	// fully formed device messages, bypassing substitution entirely.
	TransformationSmartFunction TransformationType = "SMART_FUNCTION"
)

// SnoopStatus tracks the capture-only lifecycle of a mapping.
type SnoopStatus string

const (
	SnoopNone SnoopStatus = "NONE"
	// SnoopEnabled means snooping was requested but nothing captured yet.
	SnoopEnabled SnoopStatus = "ENABLED"
	// SnoopStarted means at least one payload has been captured.
	SnoopStarted SnoopStatus = "STARTED"
	SnoopStopped SnoopStatus = "STOPPED"
)

// IsActive reports whether payloads should currently be captured.
func (s SnoopStatus) IsActive() bool {
	return s == SnoopEnabled || s == SnoopStarted
}

// RepairStrategy controls how a substituted value is reconciled with the
// target document when the source value is missing, null, or an array of the
// wrong cardinality.
type RepairStrategy string

const (
	RepairDefault              RepairStrategy = "DEFAULT"
	RepairUseFirstValueOfArray RepairStrategy = "USE_FIRST_VALUE_OF_ARRAY"
	RepairUseLastValueOfArray  RepairStrategy = "USE_LAST_VALUE_OF_ARRAY"
	RepairIgnore               RepairStrategy = "IGNORE"
	RepairRemoveIfMissing      RepairStrategy = "REMOVE_IF_MISSING"
	RepairRemoveIfNull         RepairStrategy = "REMOVE_IF_NULL"
	RepairCreateIfMissing      RepairStrategy = "CREATE_IF_MISSING"
)

// Substitution is one source-path to target-path rule within a mapping.
type Substitution struct {
	// PathSource is the expression evaluated against the inbound payload.
	PathSource string `json:"pathSource"`
	// PathTarget is the dotted path in the target template that receives the
	// extracted value.
	PathTarget     string         `json:"pathTarget"`
	RepairStrategy RepairStrategy `json:"repairStrategy,omitempty"`
	// ExpandArray fans an array value out into one target document per element.
	ExpandArray bool `json:"expandArray,omitempty"`
}

// Mapping is a tenant-scoped rule translating messages on a topic pattern
// between an external payload shape and the canonical object shape. A mapping
// is uniquely identified per tenant by Identifier; ID is the internal handle.
type Mapping struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`

	Direction Direction `json:"direction"`
	// Topic is the wildcarded subscription pattern for inbound mappings.
	Topic string `json:"topic"`
	// PublishTopic is the outbound target pattern; topic-level tokens are
	// substituted at dispatch time.
	PublishTopic string `json:"publishTopic,omitempty"`

	TargetAPI          TargetAPI          `json:"targetAPI"`
	MappingType        MappingType        `json:"mappingType"`
	TransformationType TransformationType `json:"transformationType"`

	Substitutions []Substitution `json:"substitutions,omitempty"`
	// SourceTemplate and TargetTemplate are JSON documents; the target
	// template is the skeleton substituted values are merged into.
	SourceTemplate string `json:"sourceTemplate,omitempty"`
	TargetTemplate string `json:"targetTemplate,omitempty"`

	// Code holds the script body for SUBSTITUTION_AS_CODE and SMART_FUNCTION
	// transformations.
	Code string `json:"code,omitempty"`

	Active bool `json:"active"`
	Debug  bool `json:"debug"`

	SnoopStatus      SnoopStatus `json:"snoopStatus"`
	SnoopedTemplates []string    `json:"snoopedTemplates,omitempty"`

	QOS int `json:"qos"`

	// FilterMapping is an optional pre-condition expression; a falsy result
	// skips the mapping for that message without error.
	FilterMapping   string `json:"filterMapping,omitempty"`
	FilterInventory string `json:"filterInventory,omitempty"`

	// ExternalIDType qualifies the external identifier namespace used when
	// resolving devices (e.g. "c8y_Serial").
	ExternalIDType          string `json:"externalIdType,omitempty"`
	CreateNonExistingDevice bool   `json:"createNonExistingDevice,omitempty"`
	UpdateExistingDevice    bool   `json:"updateExistingDevice,omitempty"`

	// SupportsMessageContext exposes the transport message key to
	// substitutions via the context-data token.
	SupportsMessageContext bool `json:"supportsMessageContext,omitempty"`

	LastUpdate time.Time `json:"lastUpdate,omitempty"`
}

// ResolvePattern returns the pattern the topic resolver indexes this mapping
// under: the subscription topic for inbound mappings, the publish topic for
// outbound ones.
func (m *Mapping) ResolvePattern() string {
	if m.Direction == DirectionOutbound && m.PublishTopic != "" {
		return m.PublishTopic
	}
	return m.Topic
}

// AddSnoopedTemplate appends a captured payload, evicting the oldest entry
// once the bound is reached, and advances the snoop status to STARTED.
func (m *Mapping) AddSnoopedTemplate(payload string) {
	if len(m.SnoopedTemplates) >= SnoopedTemplatesMax {
		m.SnoopedTemplates = m.SnoopedTemplates[1:]
	}
	m.SnoopedTemplates = append(m.SnoopedTemplates, payload)
	m.SnoopStatus = SnoopStarted
}

// SplitTopic splits a topic or pattern into its levels. Leading and trailing
// separators are ignored so "/a/b/" and "a/b" resolve identically.
func SplitTopic(topic string) []string {
	trimmed := strings.Trim(topic, TopicSeparator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, TopicSeparator)
}
