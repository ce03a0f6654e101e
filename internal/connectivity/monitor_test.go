package connectivity

import "testing"

func TestReportIsEdgeTriggered(t *testing.T) {
	m := NewMonitor(false)
	var events []bool
	cancel := m.Subscribe(func(connected bool) {
		events = append(events, connected)
	})
	defer cancel()

	m.Report(false) // no transition
	m.Report(true)
	m.Report(true) // no transition
	m.Report(false)

	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Fatalf("expected [true false], got %v", events)
	}
	if m.IsConnected() {
		t.Fatal("monitor should report disconnected")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	m := NewMonitor(false)
	calls := 0
	cancel := m.Subscribe(func(bool) { calls++ })
	m.Report(true)
	cancel()
	m.Report(false)
	if calls != 1 {
		t.Fatalf("expected 1 call after cancel, got %d", calls)
	}
}
