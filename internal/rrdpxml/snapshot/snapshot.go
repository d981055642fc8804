// Package snapshot implements the streaming RRDP snapshot document
// handler (spec.md §4.2, §4.4). The callback shape here — a Handler
// holding mutable state across repeated Feed calls, emitting
// fully-decoded records through an EmitFunc callback as they complete —
// mirrors snapshotObjectInsertFunc in the nrtm4 client's process.go.
package snapshot

import (
	"encoding/xml"
	"io"

	"github.com/rpki-tools/rrdpworker/internal/b64util"
	"github.com/rpki-tools/rrdpworker/internal/fileevent"
	"github.com/rpki-tools/rrdpworker/internal/xmlscope"
)

// scope is the snapshot document's automaton: START -> SNAPSHOT ->
// (PUBLISH)* -> END. Unlike notification, every <publish> carries a
// base64 object body that streams across many character-data tokens.
type scope int

const (
	scopeStart scope = iota
	scopeSnapshot
	scopeInPublish
	scopeEnd
)

// EmitFunc receives one decoded publish record as soon as its element
// closes. The Handler never buffers more than one record's body at a
// time: a large snapshot is many small emissions, not one giant slice.
type EmitFunc func(fileevent.FileEvent) error

// Handler streams a <snapshot> document, incrementally base64-decoding
// each <publish> body and invoking emit once the element closes.
type Handler struct {
	sessionID    uint64
	expectedHash xmlscope.Hash
	expectURI    string
	emit         EmitFunc

	sc      scope
	src     *xmlscope.StreamFeeder
	curURI  string
	curB64  []byte // accumulated undecoded base64 text for the current <publish>
	decoded []byte // accumulated decoded bytes for the current <publish>
}

// NewHandler returns a Handler for a snapshot fetched from
// expectURI (the notification's advertised snapshot URI, required to
// match the <snapshot uri=...> attribute) with digest expectedHash.
// Decoded records are delivered to emit tagged with sessionID.
func NewHandler(sessionID uint64, expectURI string, expectedHash xmlscope.Hash, emit EmitFunc) *Handler {
	h := &Handler{
		sessionID:    sessionID,
		expectedHash: expectedHash,
		expectURI:    expectURI,
		emit:         emit,
		sc:           scopeStart,
	}
	h.src = xmlscope.NewStreamFeeder(h.decode)
	return h
}

func (h *Handler) Feed(p []byte) error {
	return h.src.Feed(p)
}

func (h *Handler) Close() error {
	if err := h.src.Close(); err != nil {
		return err
	}
	if h.sc != scopeEnd {
		return xmlscope.Fail("snapshot", "document ended before </snapshot>")
	}
	return nil
}

// decode runs on its own goroutine for the life of the handler, driving
// an xml.Decoder against r (a *xmlscope.StreamFeeder) until Close
// produces a genuine io.EOF or a fatal error occurs.
func (h *Handler) decode(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xmlscope.Wrap("snapshot", "malformed XML", err)
		}
		if err := h.handleToken(tok); err != nil {
			return err
		}
	}
}

func (h *Handler) handleToken(tok xml.Token) error {
	switch t := tok.(type) {
	case xml.StartElement:
		return h.onStart(t)
	case xml.EndElement:
		return h.onEnd(t)
	case xml.CharData:
		if h.sc == scopeInPublish {
			h.curB64 = append(h.curB64, t...)
			return h.drainB64(false)
		}
		return nil
	default:
		return nil
	}
}

func (h *Handler) onStart(t xml.StartElement) error {
	switch h.sc {
	case scopeStart:
		if t.Name.Local != "snapshot" {
			return xmlscope.Fail(t.Name.Local, "expected <snapshot> as document root")
		}
		if err := h.parseSnapshotAttrs(t.Attr); err != nil {
			return err
		}
		h.sc = scopeSnapshot
		return nil
	case scopeSnapshot:
		if t.Name.Local != "publish" {
			return xmlscope.Fail(t.Name.Local, "expected <publish> inside <snapshot>")
		}
		uri, err := xmlscope.RequireAttr("publish", t.Attr, "uri")
		if err != nil {
			return err
		}
		if _, hasHash := xmlscope.OptionalAttr(t.Attr, "hash"); hasHash {
			return xmlscope.Fail("publish", "hash attribute is not allowed in a snapshot")
		}
		h.curURI = uri
		h.curB64 = h.curB64[:0]
		h.decoded = h.decoded[:0]
		h.sc = scopeInPublish
		return nil
	default:
		return xmlscope.Fail(t.Name.Local, "unexpected element in current scope")
	}
}

func (h *Handler) onEnd(t xml.EndElement) error {
	switch h.sc {
	case scopeInPublish:
		if t.Name.Local != "publish" {
			return xmlscope.Fail(t.Name.Local, "<publish> must not contain child elements")
		}
		if err := h.drainB64(true); err != nil {
			return err
		}
		ev := fileevent.FileEvent{
			SessionID: h.sessionID,
			Type:      fileevent.Add,
			URI:       h.curURI,
			Data:      append([]byte(nil), h.decoded...),
		}
		h.sc = scopeSnapshot
		return h.emit(ev)
	case scopeSnapshot:
		if t.Name.Local != "snapshot" {
			return xmlscope.Fail(t.Name.Local, "expected </snapshot>")
		}
		h.sc = scopeEnd
		return nil
	default:
		return xmlscope.Fail(t.Name.Local, "unexpected closing tag in current scope")
	}
}

// drainB64 base64-decodes whatever whole chunks it safely can out of
// curB64. When final is true (the element just closed) it decodes
// everything remaining and errors on leftover, non-padded input.
func (h *Handler) drainB64(final bool) error {
	if b64util.IsIgnorableChunk(h.curB64) && !final {
		return nil
	}
	// Only decode on groups of 4 characters at a time unless this is the
	// final flush, since base64.StdEncoding requires complete groups.
	// Bytes outside the base64 alphabet (line breaks, indentation) do not
	// count toward a group.
	usable := len(h.curB64)
	if !final {
		usable = 0
		n := 0
		for i, c := range h.curB64 {
			if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/' || c == '=' {
				n++
				if n%4 == 0 {
					usable = i + 1
				}
			}
		}
	}
	if usable == 0 {
		return nil
	}
	chunk := h.curB64[:usable]
	h.curB64 = append([]byte(nil), h.curB64[usable:]...)

	out, err := b64util.Decode(chunk)
	if err != nil {
		return xmlscope.Wrap("publish", "invalid base64 object body", err)
	}
	h.decoded = append(h.decoded, out...)
	return nil
}

func (h *Handler) parseSnapshotAttrs(attrs []xml.Attr) error {
	uri, err := xmlscope.RequireAttr("snapshot", attrs, "uri")
	if err != nil {
		return err
	}
	if h.expectURI != "" && uri != h.expectURI {
		return xmlscope.Fail("snapshot", "uri does not match notification's advertised snapshot uri")
	}
	return nil
}
