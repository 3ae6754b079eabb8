package fortress

import (
	"net/http"
	"sync/atomic"
	"time"
)

// RequestSignal is the per-request shape consumed by every detector. It is
// built once by the transport adapter from non-payload metadata only.
type RequestSignal struct {
	Method     string
	Path       string
	SourceAddr string
	Headers    map[string]string
	StatusCode int
	At         time.Time
}

// Header returns the value for a header name, case-insensitively. Missing
// headers return the empty string; absence is itself a valid signal.
func (s RequestSignal) Header(name string) string {
	if s.Headers == nil {
		return ""
	}
	if v, ok := s.Headers[name]; ok {
		return v
	}
	return s.Headers[http.CanonicalHeaderKey(name)]
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// normalizeSeverity maps arbitrary input onto the known scale. Unknown values
// degrade to low rather than being rejected; malformed signals are still
// recorded.
func normalizeSeverity(s Severity) (Severity, bool) {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s, true
	}
	return SeverityLow, false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Threat kinds produced by the detectors.
const (
	ThreatSuspiciousFingerprint = "suspicious_fingerprint"
	ThreatDistributedAttack     = "distributed_attack"
	ThreatTrafficRamp           = "traffic_ramp"
	ThreatOperatorSilence       = "operator_silence"
)

// ThreatEvent is a single detector finding.
type ThreatEvent struct {
	Kind        string             `json:"kind"`
	Severity    Severity           `json:"severity"`
	SourceAddr  string             `json:"sourceAddr,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Window      string             `json:"window,omitempty"`
	Reason      string             `json:"reason"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	At          time.Time          `json:"at"`
}

// IncidentEvent announces an incident lifecycle transition.
type IncidentEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	SourceAddr string    `json:"sourceAddr,omitempty"`
	Phase      string    `json:"phase"` // opened | resolved
	At         time.Time `json:"at"`
}

// AlertEvent carries an encrypted alert payload plus its one-time
// verification code, destined for an external notification transport.
type AlertEvent struct {
	Ciphertext []byte    `json:"ciphertext"`
	Code       string    `json:"code"`
	Severity   Severity  `json:"severity"`
	At         time.Time `json:"at"`
}

// EventBus is the explicit signaling path between components. Publishing is
// non-blocking: a slow consumer drops events instead of stalling detection,
// and the drop count is observable.
type EventBus struct {
	threats   chan ThreatEvent
	incidents chan IncidentEvent
	alerts    chan AlertEvent
	dropped   uint64
}

func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventBus{
		threats:   make(chan ThreatEvent, buffer),
		incidents: make(chan IncidentEvent, buffer),
		alerts:    make(chan AlertEvent, buffer),
	}
}

func (b *EventBus) PublishThreat(ev ThreatEvent) {
	select {
	case b.threats <- ev:
	default:
		atomic.AddUint64(&b.dropped, 1)
	}
}

func (b *EventBus) PublishIncident(ev IncidentEvent) {
	select {
	case b.incidents <- ev:
	default:
		atomic.AddUint64(&b.dropped, 1)
	}
}

func (b *EventBus) PublishAlert(ev AlertEvent) {
	select {
	case b.alerts <- ev:
	default:
		atomic.AddUint64(&b.dropped, 1)
	}
}

func (b *EventBus) Threats() <-chan ThreatEvent     { return b.threats }
func (b *EventBus) Incidents() <-chan IncidentEvent { return b.incidents }
func (b *EventBus) Alerts() <-chan AlertEvent       { return b.alerts }

// Dropped reports how many events were discarded because no consumer kept up.
func (b *EventBus) Dropped() uint64 { return atomic.LoadUint64(&b.dropped) }
