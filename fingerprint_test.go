package fortress

import (
	"fmt"
	"testing"
	"time"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func browserSignal(source string) RequestSignal {
	return RequestSignal{
		Method:     "GET",
		Path:       "/login",
		SourceAddr: source,
		StatusCode: 200,
		Headers: map[string]string{
			"User-Agent":      chromeUA,
			"Accept":          "text/html,application/xhtml+xml",
			"Accept-Language": "en-US,en;q=0.9",
			"Accept-Encoding": "gzip, deflate, br",
			"Connection":      "keep-alive",
		},
		At: time.Now(),
	}
}

func recvThreat(t *testing.T, bus *EventBus) ThreatEvent {
	t.Helper()
	select {
	case ev := <-bus.Threats():
		return ev
	default:
		t.Fatalf("expected a threat event, bus is empty")
		return ThreatEvent{}
	}
}

func expectNoThreat(t *testing.T, bus *EventBus) {
	t.Helper()
	select {
	case ev := <-bus.Threats():
		t.Fatalf("unexpected threat event: %s (%s)", ev.Kind, ev.Reason)
	default:
	}
}

func TestComputeFingerprintDeterministic(t *testing.T) {
	a := ComputeFingerprint(browserSignal("10.0.0.1"))
	b := ComputeFingerprint(browserSignal("172.16.0.8"))
	if a.Digest != b.Digest {
		t.Fatalf("identical header sets produced different digests: %s vs %s", a.Digest, b.Digest)
	}
	if len(a.Digest) != 64 {
		t.Fatalf("digest should be a sha256 hex string, got %d chars", len(a.Digest))
	}
	if a.Platform != "Windows" {
		t.Errorf("expected Windows platform, got %q", a.Platform)
	}
	if a.BrowserFamily != "Chrome" {
		t.Errorf("expected Chrome browser, got %q", a.BrowserFamily)
	}
	if a.ComponentCount != 5 {
		t.Errorf("expected 5 present components, got %d", a.ComponentCount)
	}
}

func TestComputeFingerprintSensitivity(t *testing.T) {
	base := ComputeFingerprint(browserSignal("10.0.0.1"))

	swapped := browserSignal("10.0.0.1")
	swapped.Headers["User-Agent"] = "curl/8.4.0"
	if ComputeFingerprint(swapped).Digest == base.Digest {
		t.Fatal("changing the user agent must change the digest")
	}

	language := browserSignal("10.0.0.1")
	language.Headers["Accept-Language"] = "de-DE"
	if ComputeFingerprint(language).Digest == base.Digest {
		t.Fatal("changing one header must change the digest")
	}

	missing := browserSignal("10.0.0.1")
	delete(missing.Headers, "Connection")
	if ComputeFingerprint(missing).Digest == base.Digest {
		t.Fatal("removing a header must change the digest: absence is a signal")
	}

	empty := ComputeFingerprint(RequestSignal{})
	if empty.Digest == "" || empty.ComponentCount != 0 {
		t.Fatalf("headerless request should still fingerprint, got count=%d", empty.ComponentCount)
	}
}

func TestObservationTableFlagsOnce(t *testing.T) {
	bus := NewEventBus(16)
	table := NewObservationTable(FingerprintConfig{
		MinSources:  3,
		MinRequests: 5,
		WindowTTL:   Duration(time.Hour),
	}, bus, nil)

	fp := ComputeFingerprint(browserSignal("x"))
	now := time.Now()

	// Below both thresholds: nothing fires.
	table.Record(fp, "10.0.0.1", now)
	table.Record(fp, "10.0.0.2", now)
	table.Record(fp, "10.0.0.2", now)
	expectNoThreat(t, bus)

	// Crossing both thresholds fires exactly once.
	table.Record(fp, "10.0.0.3", now)
	table.Record(fp, "10.0.0.3", now)
	ev := recvThreat(t, bus)
	if ev.Kind != ThreatSuspiciousFingerprint {
		t.Fatalf("expected %s, got %s", ThreatSuspiciousFingerprint, ev.Kind)
	}
	if ev.Severity != SeverityMedium {
		t.Fatalf("expected medium severity, got %s", ev.Severity)
	}
	if ev.Fingerprint != fp.Digest {
		t.Fatalf("event should carry the digest")
	}

	// The flag stays latched while the entry lives.
	for i := 0; i < 10; i++ {
		table.Record(fp, fmt.Sprintf("10.1.0.%d", i), now)
	}
	expectNoThreat(t, bus)

	// Eviction re-arms the entry.
	table.Sweep(now.Add(2 * time.Hour))
	if table.Len() != 0 {
		t.Fatalf("sweep should have evicted all entries, %d remain", table.Len())
	}
	later := now.Add(3 * time.Hour)
	for i := 0; i < 5; i++ {
		table.Record(fp, fmt.Sprintf("10.2.0.%d", i), later)
	}
	ev = recvThreat(t, bus)
	if ev.Kind != ThreatSuspiciousFingerprint {
		t.Fatalf("expected re-armed suspicious flag after eviction, got %s", ev.Kind)
	}
}

func TestObservationTableLookupAndSnapshot(t *testing.T) {
	bus := NewEventBus(16)
	table := NewObservationTable(FingerprintConfig{
		MinSources:  100,
		MinRequests: 1000,
		WindowTTL:   Duration(time.Hour),
	}, bus, nil)
	now := time.Now()

	for i := 0; i < 4; i++ {
		table.Record(Fingerprint{Digest: "aaa"}, fmt.Sprintf("10.0.0.%d", i), now)
	}
	table.Record(Fingerprint{Digest: "bbb"}, "10.0.0.1", now)
	table.Record(Fingerprint{Digest: "bbb"}, "10.0.0.1", now)

	summary, ok := table.Lookup("aaa")
	if !ok || summary.UniqueSources != 4 || summary.Requests != 4 {
		t.Fatalf("unexpected lookup result: %+v ok=%v", summary, ok)
	}
	if _, ok := table.Lookup("zzz"); ok {
		t.Fatal("lookup of unknown digest should miss")
	}

	snap := table.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].Digest != "aaa" {
		t.Fatalf("snapshot should rank by unique sources first, got %s on top", snap[0].Digest)
	}
}
