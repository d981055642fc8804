package snapshot

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/rpki-tools/rrdpworker/internal/fileevent"
	"github.com/rpki-tools/rrdpworker/internal/xmlscope"
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

func TestHandlerEmitsDecodedPublishBodies(t *testing.T) {
	body := "hello rrdp snapshot object"
	encoded := base64.StdEncoding.EncodeToString([]byte(body))

	var got []fileevent.FileEvent
	h := NewHandler(1, "https://example.test/snapshot.xml", xmlscope.Hash{}, func(ev fileevent.FileEvent) error {
		got = append(got, ev)
		return nil
	})

	doc := `<snapshot xmlns="http://www.ripe.net/rpki/rrdp" version="1" ` +
		`session_id="abc" serial="5" uri="https://example.test/snapshot.xml">` +
		`<publish uri="rsync://example.test/repo/obj1.cer">` + encoded + `</publish>` +
		`</snapshot>`
	if err := feedAll(t, h, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Type != fileevent.Add {
		t.Fatalf("type = %v, want Add", ev.Type)
	}
	if ev.URI != "rsync://example.test/repo/obj1.cer" {
		t.Fatalf("unexpected URI: %s", ev.URI)
	}
	if !bytes.Equal(ev.Data, []byte(body)) {
		t.Fatalf("decoded body mismatch: got %q want %q", ev.Data, body)
	}
	if ev.ExpectedHash != nil {
		t.Fatal("snapshot publish records must not carry a hash")
	}
}

func TestHandlerSplitsBase64AcrossFeeds(t *testing.T) {
	body := "a body long enough to be split across several Feed() calls for this test"
	encoded := base64.StdEncoding.EncodeToString([]byte(body))

	var got fileevent.FileEvent
	h := NewHandler(1, "", xmlscope.Hash{}, func(ev fileevent.FileEvent) error {
		got = ev
		return nil
	})

	prefix := `<snapshot xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="5" uri="u"><publish uri="rsync://example.test/o.cer">`
	suffix := `</publish></snapshot>`

	if err := h.Feed([]byte(prefix)); err != nil {
		t.Fatalf("prefix feed: %v", err)
	}
	for i := 0; i < len(encoded); i += 5 {
		end := i + 5
		if end > len(encoded) {
			end = len(encoded)
		}
		if err := h.Feed([]byte(encoded[i:end])); err != nil {
			t.Fatalf("body feed: %v", err)
		}
	}
	if err := h.Feed([]byte(suffix)); err != nil {
		t.Fatalf("suffix feed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bytes.Equal(got.Data, []byte(body)) {
		t.Fatalf("decoded mismatch: got %q want %q", got.Data, body)
	}
}

func TestHandlerRejectsHashAttributeOnPublish(t *testing.T) {
	h := NewHandler(1, "", xmlscope.Hash{}, func(fileevent.FileEvent) error { return nil })
	doc := `<snapshot xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="5" uri="u">` +
		`<publish uri="rsync://example.test/o.cer" hash="` + strings.Repeat("a", 64) + `">YQ==</publish>` +
		`</snapshot>`
	if err := feedAll(t, h, doc); err == nil {
		t.Fatal("expected error: snapshot <publish> must not carry a hash attribute")
	}
}

func TestHandlerRejectsMismatchedSnapshotURI(t *testing.T) {
	h := NewHandler(1, "https://example.test/expected.xml", xmlscope.Hash{}, func(fileevent.FileEvent) error { return nil })
	doc := `<snapshot xmlns="http://www.ripe.net/rpki/rrdp" version="1" session_id="abc" serial="5" uri="https://example.test/other.xml"></snapshot>`
	if err := feedAll(t, h, doc); err == nil {
		t.Fatal("expected error for snapshot uri mismatch")
	}
}
