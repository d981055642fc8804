package delta

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/rpki-tools/rrdpworker/internal/fileevent"
)

func feedAll(t *testing.T, h *Handler, doc string) error {
	t.Helper()
	for _, c := range strings.SplitAfter(doc, ">") {
		if c == "" {
			continue
		}
		if err := h.Feed([]byte(c)); err != nil {
			return err
		}
	}
	return h.Close()
}

func TestHandlerEmitsAddWithoutHash(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("new object body"))
	var got []fileevent.FileEvent
	h := NewHandler(1, 6, "", func(ev fileevent.FileEvent) error {
		got = append(got, ev)
		return nil
	})
	doc := `<delta xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="6">` +
		`<publish uri="rsync://example.test/new.cer">` + encoded + `</publish>` +
		`</delta>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Type != fileevent.Add {
		t.Fatalf("got %+v, want single Add event", got)
	}
	if got[0].ExpectedHash != nil {
		t.Fatal("Add record must not carry a hash")
	}
}

func TestHandlerEmitsUpdateWithHash(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	encoded := base64.StdEncoding.EncodeToString([]byte("replacement body"))
	var got []fileevent.FileEvent
	h := NewHandler(1, 6, "", func(ev fileevent.FileEvent) error {
		got = append(got, ev)
		return nil
	})
	doc := `<delta xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="6">` +
		`<publish uri="rsync://example.test/existing.cer" hash="` + digest + `">` + encoded + `</publish>` +
		`</delta>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Type != fileevent.Update {
		t.Fatalf("got %+v, want single Update event", got)
	}
	if got[0].ExpectedHash == nil {
		t.Fatal("Update record must carry the prior hash")
	}
	if !bytes.Equal(got[0].Data, []byte("replacement body")) {
		t.Fatalf("unexpected decoded body: %q", got[0].Data)
	}
}

func TestHandlerEmitsWithdraw(t *testing.T) {
	digest := strings.Repeat("cd", 32)
	var got []fileevent.FileEvent
	h := NewHandler(1, 6, "", func(ev fileevent.FileEvent) error {
		got = append(got, ev)
		return nil
	})
	doc := `<delta xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="6">` +
		`<withdraw uri="rsync://example.test/gone.cer" hash="` + digest + `"/>` +
		`</delta>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Type != fileevent.Withdraw {
		t.Fatalf("got %+v, want single Withdraw event", got)
	}
	if got[0].Data != nil {
		t.Fatal("Withdraw record must carry no body")
	}
}

func TestHandlerRejectsWithdrawMissingHash(t *testing.T) {
	h := NewHandler(1, 6, "", func(fileevent.FileEvent) error { return nil })
	doc := `<delta xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="6">` +
		`<withdraw uri="rsync://example.test/gone.cer"/>` +
		`</delta>`
	if err := feedAll(t, h, doc); err == nil {
		t.Fatal("expected error: withdraw requires a hash attribute")
	}
}

func TestHandlerRejectsSerialMismatch(t *testing.T) {
	h := NewHandler(1, 7, "", func(fileevent.FileEvent) error { return nil })
	doc := `<delta xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="6"></delta>`
	if err := feedAll(t, h, doc); err == nil {
		t.Fatal("expected error for serial not matching what the notification advertised")
	}
}
