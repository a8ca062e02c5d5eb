package registry

import "github.com/illmade-knight/go-mapping-gateway/pkg/mapping"

// MappingStatus tracks the runtime counters of one mapping. Counters survive
// cache rebuilds so an administrative reload does not zero the books.
type MappingStatus struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`

	MessagesReceived int64 `json:"messagesReceived"`
	Errors           int64 `json:"errors"`
	// CurrentFailureCount is the consecutive-failure streak; any successful
	// processing resets it.
	CurrentFailureCount int64 `json:"currentFailureCount"`

	SnoopedTemplatesTotal  int `json:"snoopedTemplatesTotal"`
	SnoopedTemplatesActive int `json:"snoopedTemplatesActive"`

	// LoadingError is set when the definition failed validation during the
	// last cache rebuild.
	LoadingError string `json:"loadingError,omitempty"`

	// Capture state lives on the status record, not the cached Mapping:
	// cached definitions are shared across worker goroutines and stay
	// immutable, so every snoop write happens here under statusMu.
	snoopStatus      mapping.SnoopStatus
	snoopedTemplates []string
}

// statusFor returns the live status record for a mapping, creating it on
// first sight. Callers hold no lock; the record is only mutated under
// statusMu.
func (r *Registry) statusFor(tenant string, m *mapping.Mapping) *MappingStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.statusForLocked(tenant, m.Identifier, m.Name)
}

func (r *Registry) statusForLocked(tenant, identifier, name string) *MappingStatus {
	byID, ok := r.status[tenant]
	if !ok {
		byID = make(map[string]*MappingStatus)
		r.status[tenant] = byID
	}
	status, ok := byID[identifier]
	if !ok {
		status = &MappingStatus{Identifier: identifier, Name: name}
		byID[identifier] = status
	}
	if name != "" {
		status.Name = name
	}
	return status
}

// RecordReceived counts one message routed to the mapping.
func (r *Registry) RecordReceived(tenant string, m *mapping.Mapping) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	status := r.statusForLocked(tenant, m.Identifier, m.Name)
	status.MessagesReceived++
}

// RecordSnoop captures one raw payload for a snooping mapping, evicting the
// oldest entry at the bound, and marks the mapping dirty so the capture
// reaches the configuration store on the next flush.
func (r *Registry) RecordSnoop(tenant string, m *mapping.Mapping, payload string) {
	r.statusMu.Lock()
	status := r.statusForLocked(tenant, m.Identifier, m.Name)
	scratch := mapping.Mapping{
		SnoopStatus:      m.SnoopStatus,
		SnoopedTemplates: status.snoopedTemplates,
	}
	scratch.AddSnoopedTemplate(payload)
	status.snoopedTemplates = scratch.SnoopedTemplates
	status.snoopStatus = scratch.SnoopStatus
	status.SnoopedTemplatesTotal = len(status.snoopedTemplates)
	status.SnoopedTemplatesActive = len(status.snoopedTemplates)
	r.statusMu.Unlock()

	r.MarkDirty(tenant, m.Identifier)
}

// SnoopState returns the runtime capture status and a copy of the captured
// templates for one mapping. An empty status means no capture has happened
// since the definition was loaded.
func (r *Registry) SnoopState(tenant, identifier string) (mapping.SnoopStatus, []string) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	status, ok := r.status[tenant][identifier]
	if !ok {
		return "", nil
	}
	return status.snoopStatus, append([]string(nil), status.snoopedTemplates...)
}

// seedSnoopState primes the runtime capture state from a stored definition so
// the eviction bound counts captures persisted before a restart.
func (r *Registry) seedSnoopState(tenant string, m *mapping.Mapping) {
	if len(m.SnoopedTemplates) == 0 {
		return
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	status := r.statusForLocked(tenant, m.Identifier, m.Name)
	if len(status.snoopedTemplates) > 0 {
		return
	}
	status.snoopedTemplates = append([]string(nil), m.SnoopedTemplates...)
	status.SnoopedTemplatesTotal = len(status.snoopedTemplates)
}

// RecordError counts one failed processing attempt and extends the
// consecutive-failure streak.
func (r *Registry) RecordError(tenant string, m *mapping.Mapping) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	status := r.statusForLocked(tenant, m.Identifier, m.Name)
	status.Errors++
	status.CurrentFailureCount++
}

// RecordSuccess resets the consecutive-failure streak.
func (r *Registry) RecordSuccess(tenant string, m *mapping.Mapping) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.statusForLocked(tenant, m.Identifier, m.Name).CurrentFailureCount = 0
}

// Status returns a copy of one mapping's counters.
func (r *Registry) Status(tenant, identifier string) (MappingStatus, bool) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	byID, ok := r.status[tenant]
	if !ok {
		return MappingStatus{}, false
	}
	status, ok := byID[identifier]
	if !ok {
		return MappingStatus{}, false
	}
	return *status, true
}

// StatusSnapshot returns copies of every mapping status for a tenant.
func (r *Registry) StatusSnapshot(tenant string) []MappingStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	byID := r.status[tenant]
	out := make([]MappingStatus, 0, len(byID))
	for _, status := range byID {
		out = append(out, *status)
	}
	return out
}

// ResetStatistics zeroes every counter for a tenant while keeping the status
// records themselves.
func (r *Registry) ResetStatistics(tenant string) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	// Captured templates are configuration, not statistics; their counts
	// stay aligned with the retained captures.
	for _, status := range r.status[tenant] {
		status.MessagesReceived = 0
		status.Errors = 0
		status.CurrentFailureCount = 0
	}
}
