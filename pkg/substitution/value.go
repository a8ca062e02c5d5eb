// Package substitution implements the extraction engine: it evaluates a
// mapping's transformation against a deserialized payload and produces the
// processing cache of target-path candidate values, and it merges that cache
// into target documents honoring each value's repair strategy.
package substitution

import (
	"time"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// ValueType classifies an extracted value for downstream handling.
type ValueType string

const (
	TypeTextual ValueType = "TEXTUAL"
	TypeNumber  ValueType = "NUMBER"
	TypeBoolean ValueType = "BOOLEAN"
	TypeArray   ValueType = "ARRAY"
	TypeObject  ValueType = "OBJECT"
	// TypeIgnore marks a value whose extraction failed or returned nothing.
	// Repair strategies decide whether the target key is kept or removed.
	TypeIgnore ValueType = "IGNORE"
)

// SubstituteValue is one candidate value produced for a target path.
type SubstituteValue struct {
	Value          any
	Type           ValueType
	RepairStrategy mapping.RepairStrategy
	ExpandArray    bool
}

// NewSubstituteValue classifies the raw value and wires the rule's repair
// metadata. A nil value is recorded as TypeIgnore rather than dropped so that
// per-rule failures stay isolated.
func NewSubstituteValue(value any, strategy mapping.RepairStrategy, expandArray bool) SubstituteValue {
	return SubstituteValue{
		Value:          value,
		Type:           TypeOf(value),
		RepairStrategy: strategy,
		ExpandArray:    expandArray,
	}
}

// TypeOf maps a Go value produced by JSON deserialization or script export to
// its ValueType.
func TypeOf(value any) ValueType {
	switch value.(type) {
	case nil:
		return TypeIgnore
	case string:
		return TypeTextual
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case []any:
		return TypeArray
	default:
		return TypeObject
	}
}

// Cache is the processing cache: target path to the ordered candidate values
// extracted for it. Entries at the same index across paths belong to the same
// output document.
type Cache map[string][]SubstituteValue

// Add appends a candidate value for a target path. Array values with
// ExpandArray set are fanned out into one entry per element here, so the
// cache cardinality equals the number of output documents.
func (c Cache) Add(pathTarget string, value SubstituteValue) {
	if value.ExpandArray && value.Type == TypeArray {
		elements, ok := value.Value.([]any)
		if ok {
			for _, element := range elements {
				c[pathTarget] = append(c[pathTarget], NewSubstituteValue(element, value.RepairStrategy, false))
			}
			return
		}
	}
	c[pathTarget] = append(c[pathTarget], value)
}

// MaxCardinality is the longest candidate list in the cache: the number of
// target documents the pipeline will fan out.
func (c Cache) MaxCardinality() int {
	most := 0
	for _, values := range c {
		if len(values) > most {
			most = len(values)
		}
	}
	return most
}

// AllIgnored reports whether every extracted value failed: the signal for a
// total extraction failure, which skips the message without raising an error.
func (c Cache) AllIgnored() bool {
	for _, values := range c {
		for _, v := range values {
			if v.Type != TypeIgnore {
				return false
			}
		}
	}
	return true
}

// DeviceMessage is a fully formed device-bound message produced by a smart
// function flow. It bypasses substitution and is turned directly into an
// outbound request.
type DeviceMessage struct {
	Topic          string            `json:"topic"`
	Payload        any               `json:"payload"`
	Action         string            `json:"action,omitempty"`
	ExternalSource string            `json:"externalSource,omitempty"`
	TargetAPI      mapping.TargetAPI `json:"targetAPI,omitempty"`
	TransportID    string            `json:"transportId,omitempty"`
	ClientID       string            `json:"clientId,omitempty"`
	Retain         bool              `json:"retain,omitempty"`
	Time           time.Time         `json:"time,omitempty"`
}

// Result is the outcome of one extraction run.
type Result struct {
	Cache Cache
	// Alarms collected by scripts during extraction; attached to the
	// processing context, never raised as errors.
	Alarms []string
	// DeviceMessages is populated only by smart-function flows.
	DeviceMessages []DeviceMessage
}

// Empty reports a total extraction failure: nothing usable was produced.
func (r *Result) Empty() bool {
	if r == nil {
		return true
	}
	if len(r.DeviceMessages) > 0 {
		return false
	}
	return len(r.Cache) == 0 || r.Cache.AllIgnored()
}
