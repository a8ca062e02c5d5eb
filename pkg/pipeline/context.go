// Package pipeline implements the per-message processing state machine: a
// message arriving on a topic is matched against the tenant's mappings and
// each match runs deserialize, filter, snoop, extract, build and dispatch in
// order, with explicit skip conditions between the stages.
package pipeline

import (
	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/substitution"
)

// Mode selects how stage failures are treated.
type Mode int

const (
	// ModeProduction records errors on the mapping's status counters and
	// stops further processing of the message.
	ModeProduction Mode = iota
	// ModeTesting records errors on the processing context only; counters
	// stay untouched and the pipeline keeps going where it can.
	ModeTesting
)

// Request is one canonical platform request built from a target document.
// Requests produced from one message form a batch; Predecessor links the
// requests that must dispatch in order (-1 means independent).
type Request struct {
	Index       int
	Predecessor int

	API    mapping.TargetAPI
	Method string

	Document map[string]any

	// ExternalID is the device identity extracted from the payload;
	// InternalID is its platform resolution, when known.
	ExternalID string
	InternalID string
}

// Request methods.
const (
	MethodCreate = "CREATE"
	MethodUpdate = "UPDATE"
)

// ProcessingContext carries one message through the stages for one mapping.
type ProcessingContext struct {
	Tenant      string
	ConnectorID string
	Topic       string
	Mapping     *mapping.Mapping

	RawPayload []byte
	// Key is the transport message key, exposed via the context-data token
	// when the mapping supports message context.
	Key []byte

	// Payload is the deserialized, token-enriched document.
	Payload map[string]any

	Cache     substitution.Cache
	Documents []map[string]any
	Requests  []Request
	Alarms    []string

	// IgnoreFurtherProcessing short-circuits the remaining stages. It is set
	// by snoop capture, total extraction failure, and production-mode errors.
	IgnoreFurtherProcessing bool

	// Snooped marks that this run captured the payload instead of
	// processing it.
	Snooped bool

	Errors []error
}

// recordError notes a stage failure on the context.
func (pc *ProcessingContext) recordError(err error) {
	pc.Errors = append(pc.Errors, err)
}

// Failed reports whether any stage recorded an error.
func (pc *ProcessingContext) Failed() bool {
	return len(pc.Errors) > 0
}
