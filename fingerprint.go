package fortress

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avct/uasurfer"
	"github.com/sirupsen/logrus"
)

// fingerprintSignals is the ordered header feature set hashed into the
// digest. Order matters: it is part of the canonical form.
var fingerprintSignals = []string{
	"User-Agent",
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"Accept-Charset",
	"Sec-Fetch-Site",
	"Sec-Fetch-Mode",
	"Sec-Fetch-Dest",
	"Sec-Fetch-User",
	"Sec-Ch-Ua",
	"Sec-Ch-Ua-Mobile",
	"Sec-Ch-Ua-Platform",
	"Sec-Ch-Ua-Platform-Version",
	"Sec-Ch-Ua-Arch",
	"Sec-Ch-Ua-Model",
	"Sec-Ch-Ua-Full-Version",
	"Connection",
	"Cache-Control",
	"Pragma",
	"Dnt",
	"Upgrade-Insecure-Requests",
	"Te",
	"Via",
}

// Fingerprint is a derived identity signature computed from non-payload
// request metadata. Immutable once computed.
type Fingerprint struct {
	Digest         string
	Platform       string
	BrowserFamily  string
	ComponentCount int
}

// ComputeFingerprint reduces the canonical header feature vector to a
// SHA-256 digest plus a decoded summary. Identical metadata always yields an
// identical digest; absence of a header is encoded as its own signal, so a
// request with missing headers still fingerprints cleanly.
func ComputeFingerprint(sig RequestSignal) Fingerprint {
	var b strings.Builder
	count := 0
	for _, name := range fingerprintSignals {
		b.WriteString(name)
		b.WriteByte(':')
		if v := sig.Header(name); v != "" {
			count++
			b.WriteString(strings.TrimSpace(v))
		} else {
			b.WriteString("\x00absent")
		}
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))

	ua := uasurfer.Parse(sig.Header("User-Agent"))
	return Fingerprint{
		Digest:         hex.EncodeToString(sum[:]),
		Platform:       strings.TrimPrefix(ua.OS.Platform.String(), "Platform"),
		BrowserFamily:  strings.TrimPrefix(ua.Browser.Name.String(), "Browser"),
		ComponentCount: count,
	}
}

// ObservationSummary is the exported aggregate view of one fingerprint.
type ObservationSummary struct {
	Digest        string    `json:"digest"`
	UniqueSources int       `json:"uniqueSources"`
	Requests      int       `json:"requests"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
}

type observation struct {
	sources            map[string]struct{}
	requests           int
	firstSeen          time.Time
	lastSeen           time.Time
	flaggedSuspicious  bool
	flaggedDistributed bool
}

func (o *observation) summary(digest string) ObservationSummary {
	return ObservationSummary{
		Digest:        digest,
		UniqueSources: len(o.sources),
		Requests:      o.requests,
		FirstSeen:     o.firstSeen,
		LastSeen:      o.lastSeen,
	}
}

// ObservationTable maps fingerprint digests to the source addresses seen
// using them. Entries age out after the rolling window so memory stays
// bounded; eviction also re-arms the once-per-window flags.
type ObservationTable struct {
	mu          sync.Mutex
	ttl         time.Duration
	minSources  int
	minRequests int
	entries     map[string]*observation
	bus         *EventBus
	logger      *logrus.Logger
}

func NewObservationTable(cfg FingerprintConfig, bus *EventBus, logger *logrus.Logger) *ObservationTable {
	ttl := cfg.WindowTTL.Std()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ObservationTable{
		ttl:         ttl,
		minSources:  cfg.MinSources,
		minRequests: cfg.MinRequests,
		entries:     make(map[string]*observation),
		bus:         bus,
		logger:      ensureLogger(logger),
	}
}

// Record notes one request for the fingerprint. When the distinct-source and
// request-count thresholds are both crossed it emits suspicious_fingerprint
// exactly once; the flag stays latched until the entry is evicted.
func (t *ObservationTable) Record(fp Fingerprint, source string, now time.Time) {
	t.mu.Lock()
	entry, ok := t.entries[fp.Digest]
	if !ok {
		entry = &observation{
			sources:   make(map[string]struct{}),
			firstSeen: now,
		}
		t.entries[fp.Digest] = entry
	}
	if source != "" {
		entry.sources[source] = struct{}{}
	}
	entry.requests++
	entry.lastSeen = now

	fire := !entry.flaggedSuspicious &&
		len(entry.sources) >= t.minSources &&
		entry.requests >= t.minRequests
	if fire {
		entry.flaggedSuspicious = true
	}
	summary := entry.summary(fp.Digest)
	t.mu.Unlock()

	if fire {
		t.logger.WithFields(logrus.Fields{
			"fingerprint": fp.Digest,
			"sources":     summary.UniqueSources,
			"requests":    summary.Requests,
		}).Warn("fingerprint shared across many sources")
		t.bus.PublishThreat(ThreatEvent{
			Kind:        ThreatSuspiciousFingerprint,
			Severity:    SeverityMedium,
			SourceAddr:  source,
			Fingerprint: fp.Digest,
			Reason:      "one fingerprint observed from many source addresses",
			Metrics: map[string]float64{
				"unique_sources": float64(summary.UniqueSources),
				"requests":       float64(summary.Requests),
			},
			At: now,
		})
	}
}

// Lookup returns the current aggregate for a digest.
func (t *ObservationTable) Lookup(digest string) (ObservationSummary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[digest]
	if !ok {
		return ObservationSummary{}, false
	}
	return entry.summary(digest), true
}

// Snapshot returns all live entries ordered by (uniqueSources, requests)
// descending.
func (t *ObservationTable) Snapshot() []ObservationSummary {
	t.mu.Lock()
	summaries := make([]ObservationSummary, 0, len(t.entries))
	for digest, entry := range t.entries {
		summaries = append(summaries, entry.summary(digest))
	}
	t.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UniqueSources != summaries[j].UniqueSources {
			return summaries[i].UniqueSources > summaries[j].UniqueSources
		}
		if summaries[i].Requests != summaries[j].Requests {
			return summaries[i].Requests > summaries[j].Requests
		}
		return summaries[i].Digest < summaries[j].Digest
	})
	return summaries
}

// Sweep evicts entries whose last activity predates the rolling window.
func (t *ObservationTable) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for digest, entry := range t.entries {
		if now.Sub(entry.lastSeen) > t.ttl {
			delete(t.entries, digest)
		}
	}
}

// Len reports the number of live entries.
func (t *ObservationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// UpdateThresholds applies reloaded config without disturbing live entries.
func (t *ObservationTable) UpdateThresholds(cfg FingerprintConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.MinSources > 0 {
		t.minSources = cfg.MinSources
	}
	if cfg.MinRequests > 0 {
		t.minRequests = cfg.MinRequests
	}
	if cfg.WindowTTL > 0 {
		t.ttl = cfg.WindowTTL.Std()
	}
}

// tryFlagDistributed atomically latches the distributed-attack flag for a
// digest once both joint thresholds are met. Used by the correlator.
func (t *ObservationTable) tryFlagDistributed(digest string, minSources, minRequests int) (ObservationSummary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[digest]
	if !ok || entry.flaggedDistributed {
		return ObservationSummary{}, false
	}
	if len(entry.sources) < minSources || entry.requests < minRequests {
		return ObservationSummary{}, false
	}
	entry.flaggedDistributed = true
	return entry.summary(digest), true
}
