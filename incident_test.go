package fortress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type blockRecorder struct {
	mu    sync.Mutex
	addrs []string
	err   error
}

func (b *blockRecorder) fn(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs = append(b.addrs, addr)
	return b.err
}

func (b *blockRecorder) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.addrs)
}

func recvIncident(t *testing.T, bus *EventBus) IncidentEvent {
	t.Helper()
	select {
	case ev := <-bus.Incidents():
		return ev
	default:
		t.Fatalf("expected an incident event, bus is empty")
		return IncidentEvent{}
	}
}

func expectNoIncident(t *testing.T, bus *EventBus) {
	t.Helper()
	select {
	case ev := <-bus.Incidents():
		t.Fatalf("unexpected incident event: %s %s", ev.Phase, ev.ID)
	default:
	}
}

func TestReportMergesByTypeAndSource(t *testing.T) {
	bus := NewEventBus(16)
	o := NewOrchestrator(IncidentConfig{}, nil, nil, bus, nil)

	first := o.ReportIncident("port_probe", SeverityLow, "10.0.0.1")
	ev := recvIncident(t, bus)
	if ev.Phase != "opened" || ev.ID != first {
		t.Fatalf("expected opened event for %s, got %s %s", first, ev.Phase, ev.ID)
	}

	second := o.ReportIncident("port_probe", SeverityLow, "10.0.0.1")
	if second != first {
		t.Fatal("same type and source while open must merge, not duplicate")
	}
	expectNoIncident(t, bus) // merges are silent

	other := o.ReportIncident("port_probe", SeverityLow, "10.0.0.2")
	if other == first {
		t.Fatal("different source must open a separate incident")
	}
	recvIncident(t, bus)

	inc, ok := o.Incident(first)
	if !ok || inc.Count != 2 {
		t.Fatalf("merged incident should have count 2, got %+v ok=%v", inc, ok)
	}
	if got := len(o.OpenIncidents()); got != 2 {
		t.Fatalf("expected 2 open incidents, got %d", got)
	}
}

func TestSeverityEscalatesOnMergeOnly(t *testing.T) {
	o := NewOrchestrator(IncidentConfig{}, nil, nil, NewEventBus(16), nil)

	id := o.ReportIncident("scrape", SeverityLow, "10.0.0.1")
	o.ReportIncident("scrape", SeverityHigh, "10.0.0.1")
	o.ReportIncident("scrape", SeverityMedium, "10.0.0.1")

	inc, _ := o.Incident(id)
	if inc.Severity != SeverityHigh {
		t.Fatalf("severity should only ratchet upward, got %s", inc.Severity)
	}
	if inc.Count != 3 {
		t.Fatalf("expected count 3, got %d", inc.Count)
	}
}

func TestUnknownSeverityRecordedAsLow(t *testing.T) {
	o := NewOrchestrator(IncidentConfig{}, nil, nil, NewEventBus(16), nil)
	id := o.ReportIncident("", Severity("catastrophic"), "")
	inc, ok := o.Incident(id)
	if !ok {
		t.Fatal("malformed report must still be recorded")
	}
	if inc.Severity != SeverityLow {
		t.Fatalf("unknown severity should degrade to low, got %s", inc.Severity)
	}
	if inc.Type != "unclassified" {
		t.Fatalf("empty type should default, got %q", inc.Type)
	}
}

func TestAutoBlockOnCriticalWithSource(t *testing.T) {
	rec := &blockRecorder{}
	o := NewOrchestrator(IncidentConfig{AutoBlockIP: true}, rec.fn, nil, NewEventBus(16), nil)

	o.ReportIncident("distributed_attack", SeverityHigh, "10.0.0.1")
	if rec.calls() != 0 {
		t.Fatal("high severity must not auto-block")
	}

	o.ReportIncident("distributed_attack", SeverityCritical, "")
	if rec.calls() != 0 {
		t.Fatal("critical without a source has nothing to block")
	}

	o.ReportIncident("distributed_attack", SeverityCritical, "10.0.0.9")
	if rec.calls() != 1 {
		t.Fatalf("expected 1 block call, got %d", rec.calls())
	}
	if !o.IsBlocked("10.0.0.9") {
		t.Fatal("address should be on the block list")
	}

	// Already blocked: the callback does not run again.
	o.ReportIncident("distributed_attack", SeverityCritical, "10.0.0.9")
	if rec.calls() != 1 {
		t.Fatalf("re-reporting a blocked address must not re-block, got %d calls", rec.calls())
	}

	if got := o.BlockedIPs(); len(got) != 1 || got[0] != "10.0.0.9" {
		t.Fatalf("unexpected block list: %v", got)
	}

	o.Unblock("10.0.0.9")
	if o.IsBlocked("10.0.0.9") {
		t.Fatal("unblock should remove the address")
	}
}

func TestAutoBlockDisabled(t *testing.T) {
	rec := &blockRecorder{}
	o := NewOrchestrator(IncidentConfig{AutoBlockIP: false}, rec.fn, nil, NewEventBus(16), nil)

	o.ReportIncident("distributed_attack", SeverityCritical, "10.0.0.9")
	if rec.calls() != 0 || o.IsBlocked("10.0.0.9") {
		t.Fatal("auto-blocking must respect the config switch")
	}
}

func TestBlockCallbackFailureStillRecords(t *testing.T) {
	rec := &blockRecorder{err: fmt.Errorf("firewall unreachable")}
	o := NewOrchestrator(IncidentConfig{AutoBlockIP: true}, rec.fn, nil, NewEventBus(16), nil)

	o.ReportIncident("distributed_attack", SeverityCritical, "10.0.0.9")
	if !o.IsBlocked("10.0.0.9") {
		t.Fatal("a failing block callback must not clear the block record")
	}
}

func TestResolveIncident(t *testing.T) {
	bus := NewEventBus(16)
	o := NewOrchestrator(IncidentConfig{}, nil, nil, bus, nil)

	if err := o.ResolveIncident("missing", "n/a"); !errors.Is(err, ErrUnknownIncident) {
		t.Fatalf("expected ErrUnknownIncident, got %v", err)
	}

	id := o.ReportIncident("scrape", SeverityMedium, "10.0.0.1")
	recvIncident(t, bus) // opened

	if err := o.ResolveIncident(id, "false positive"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	ev := recvIncident(t, bus)
	if ev.Phase != "resolved" || ev.ID != id {
		t.Fatalf("expected resolved event for %s, got %s %s", id, ev.Phase, ev.ID)
	}
	if len(o.OpenIncidents()) != 0 {
		t.Fatal("resolved incident should leave the open set")
	}
	inc, _ := o.Incident(id)
	if inc.ResolvedAt == nil || inc.Resolution != "false positive" {
		t.Fatalf("resolution not recorded: %+v", inc)
	}

	// Double resolution overwrites rather than failing.
	if err := o.ResolveIncident(id, "confirmed benign"); err != nil {
		t.Fatalf("second resolve should succeed: %v", err)
	}
	inc, _ = o.Incident(id)
	if inc.Resolution != "confirmed benign" {
		t.Fatalf("second resolution should overwrite, got %q", inc.Resolution)
	}

	// The key is free again: a new report opens a fresh incident.
	fresh := o.ReportIncident("scrape", SeverityMedium, "10.0.0.1")
	if fresh == id {
		t.Fatal("reporting after resolution must open a new incident")
	}
}
