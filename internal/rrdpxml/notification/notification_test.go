package notification

import (
	"strings"
	"testing"
)

func feedAll(t *testing.T, h *Handler, doc string) error {
	t.Helper()
	chunks := strings.SplitAfter(doc, ">")
	for _, c := range chunks {
		if c == "" {
			continue
		}
		if err := h.Feed([]byte(c)); err != nil {
			return err
		}
	}
	return h.Close()
}

func hash64(b byte) string {
	s := make([]byte, 64)
	for i := range s {
		s[i] = "0123456789abcdef"[b%16]
	}
	return string(s)
}

func TestCheckStateUpToDate(t *testing.T) {
	prior := PriorState{SessionID: "abc", Serial: 5}
	doc := &Doc{SessionID: "abc", Serial: 5}
	if p := CheckState(prior, doc, true); p != PlanNone {
		t.Fatalf("got %v, want PlanNone", p)
	}
}

func TestCheckStateSessionChanged(t *testing.T) {
	prior := PriorState{SessionID: "abc", Serial: 5}
	doc := &Doc{SessionID: "xyz", Serial: 5}
	if p := CheckState(prior, doc, true); p != PlanSnapshot {
		t.Fatalf("got %v, want PlanSnapshot", p)
	}
}

func TestCheckStateBackwardsSerial(t *testing.T) {
	prior := PriorState{SessionID: "abc", Serial: 10}
	doc := &Doc{SessionID: "abc", Serial: 3}
	if p := CheckState(prior, doc, true); p != PlanError {
		t.Fatalf("got %v, want PlanError", p)
	}
}

func TestCheckStateContiguousDeltas(t *testing.T) {
	prior := PriorState{SessionID: "abc", Serial: 5}
	doc := &Doc{
		SessionID: "abc",
		Serial:    7,
		Deltas: []DeltaRef{
			{Serial: 6},
			{Serial: 7},
		},
	}
	if p := CheckState(prior, doc, true); p != PlanDeltas {
		t.Fatalf("got %v, want PlanDeltas", p)
	}
}

func TestCheckStateGapFallsBackToSnapshot(t *testing.T) {
	prior := PriorState{SessionID: "abc", Serial: 5}
	doc := &Doc{
		SessionID: "abc",
		Serial:    8,
		Deltas: []DeltaRef{
			{Serial: 6},
			{Serial: 8}, // gap at 7
		},
	}
	if p := CheckState(prior, doc, true); p != PlanSnapshot {
		t.Fatalf("got %v, want PlanSnapshot", p)
	}
}

func TestCheckStatePendingUntilDeltasKnown(t *testing.T) {
	prior := PriorState{SessionID: "abc", Serial: 5}
	doc := &Doc{SessionID: "abc", Serial: 7}
	if p := CheckState(prior, doc, false); p != PlanPending {
		t.Fatalf("got %v, want PlanPending", p)
	}
}

func TestCheckStateNoPriorForcesSnapshot(t *testing.T) {
	doc := &Doc{SessionID: "abc", Serial: 1}
	if p := CheckState(PriorState{}, doc, true); p != PlanSnapshot {
		t.Fatalf("got %v, want PlanSnapshot", p)
	}
}

func TestHandlerParsesNoDeltaNotification(t *testing.T) {
	h := NewHandler(PriorState{SessionID: "abc", Serial: 5})
	doc := `<notification xmlns="http://www.ripe.net/rpki/rrdp" version="1" ` +
		`session_id="abc" serial="5">` +
		`<snapshot uri="https://example.test/snapshot.xml" hash="` + hash64(1) + `"/>` +
		`</notification>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := h.Doc()
	if got.Plan != PlanNone {
		t.Fatalf("plan = %v, want PlanNone", got.Plan)
	}
	if got.SnapshotURI != "https://example.test/snapshot.xml" {
		t.Fatalf("unexpected snapshot URI: %s", got.SnapshotURI)
	}
}

func TestHandlerParsesDeltasAndSortsThem(t *testing.T) {
	h := NewHandler(PriorState{SessionID: "abc", Serial: 5})
	doc := `<notification xmlns="http://www.ripe.net/rpki/rrdp" version="1" ` +
		`session_id="abc" serial="7">` +
		`<snapshot uri="https://example.test/snapshot.xml" hash="` + hash64(1) + `"/>` +
		`<delta uri="https://example.test/7.xml" hash="` + hash64(2) + `" serial="7"/>` +
		`<delta uri="https://example.test/6.xml" hash="` + hash64(3) + `" serial="6"/>` +
		`</notification>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := h.Doc()
	if got.Plan != PlanDeltas {
		t.Fatalf("plan = %v, want PlanDeltas", got.Plan)
	}
	if len(got.Deltas) != 2 || got.Deltas[0].Serial != 6 || got.Deltas[1].Serial != 7 {
		t.Fatalf("deltas not sorted: %+v", got.Deltas)
	}
}

func TestHandlerDropsAlreadyAppliedDeltas(t *testing.T) {
	h := NewHandler(PriorState{SessionID: "abc", Serial: 5})
	doc := `<notification xmlns="http://www.ripe.net/rpki/rrdp" version="1" ` +
		`session_id="abc" serial="6">` +
		`<snapshot uri="https://example.test/snapshot.xml" hash="` + hash64(1) + `"/>` +
		`<delta uri="https://example.test/3.xml" hash="` + hash64(2) + `" serial="3"/>` +
		`<delta uri="https://example.test/6.xml" hash="` + hash64(3) + `" serial="6"/>` +
		`</notification>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := h.Doc()
	if len(got.Deltas) != 1 || got.Deltas[0].Serial != 6 {
		t.Fatalf("expected only serial 6 to survive, got %+v", got.Deltas)
	}
	if got.Plan != PlanDeltas {
		t.Fatalf("plan = %v, want PlanDeltas", got.Plan)
	}
}

func TestHandlerRejectsUnexpectedRoot(t *testing.T) {
	h := NewHandler(PriorState{})
	if err := h.Feed([]byte(`<bogus/>`)); err == nil {
		if err = h.Close(); err == nil {
			t.Fatal("expected an error for a non-notification root element")
		}
	}
}

func TestHandlerRejectsTruncatedDocument(t *testing.T) {
	h := NewHandler(PriorState{SessionID: "abc", Serial: 5})
	doc := `<notification xmlns="http://www.ripe.net/rpki/rrdp" version="1" ` +
		`session_id="abc" serial="5">` +
		`<snapshot uri="https://example.test/snapshot.xml" hash="` + hash64(1) + `"/>`
	for _, c := range strings.SplitAfter(doc, ">") {
		if c == "" {
			continue
		}
		if err := h.Feed([]byte(c)); err != nil {
			t.Fatalf("unexpected error mid-stream: %v", err)
		}
	}
	if err := h.Close(); err == nil {
		t.Fatal("expected error for document truncated before </notification>")
	}
}

func TestHandlerRejectsDuplicateDeltaSerial(t *testing.T) {
	h := NewHandler(PriorState{SessionID: "abc", Serial: 5})
	doc := `<notification xmlns="http://www.ripe.net/rpki/rrdp" version="1" ` +
		`session_id="abc" serial="7">` +
		`<snapshot uri="https://example.test/snapshot.xml" hash="` + hash64(1) + `"/>` +
		`<delta uri="https://example.test/6.xml" hash="` + hash64(2) + `" serial="6"/>` +
		`<delta uri="https://example.test/6-again.xml" hash="` + hash64(3) + `" serial="6"/>` +
		`</notification>`
	if err := feedAll(t, h, doc); err == nil {
		t.Fatal("expected error for duplicate delta serial")
	}
}
