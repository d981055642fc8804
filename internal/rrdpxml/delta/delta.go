// Package delta implements the streaming RRDP delta document handler
// (spec.md §4.2, §4.4). Like snapshot, it streams base64 object bodies
// incrementally; unlike snapshot, <publish> may carry a hash (replace)
// or omit one (create), and <withdraw> carries no body at all. The
// per-record action dispatch here is grounded on applyDeltaFunc's
// add-modify/delete branching in the nrtm4 client.
package delta

import (
	"encoding/xml"
	"io"

	"github.com/rpki-tools/rrdpworker/internal/b64util"
	"github.com/rpki-tools/rrdpworker/internal/fileevent"
	"github.com/rpki-tools/rrdpworker/internal/xmlscope"
)

type scope int

const (
	scopeStart scope = iota
	scopeDelta
	scopeInPublish
	scopeInWithdraw
	scopeEnd
)

// EmitFunc receives one decoded publish/withdraw record as soon as its
// element closes.
type EmitFunc func(fileevent.FileEvent) error

// Handler streams a <delta> document.
type Handler struct {
	sessionID    uint64
	expectSerial uint64
	expectURI    string
	emit         EmitFunc

	sc      scope
	src     *xmlscope.StreamFeeder
	curURI  string
	curHash *xmlscope.Hash // non-nil only for a replacing <publish>
	curB64  []byte
	decoded []byte
}

// NewHandler returns a Handler for a delta expected to carry
// expectSerial and be reachable at expectURI (the notification's
// advertised URI for this delta).
func NewHandler(sessionID, expectSerial uint64, expectURI string, emit EmitFunc) *Handler {
	h := &Handler{
		sessionID:    sessionID,
		expectSerial: expectSerial,
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
		return xmlscope.Fail("delta", "document ended before </delta>")
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
			return xmlscope.Wrap("delta", "malformed XML", err)
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
		if t.Name.Local != "delta" {
			return xmlscope.Fail(t.Name.Local, "expected <delta> as document root")
		}
		if err := h.parseDeltaAttrs(t.Attr); err != nil {
			return err
		}
		h.sc = scopeDelta
		return nil
	case scopeDelta:
		switch t.Name.Local {
		case "publish":
			uri, err := xmlscope.RequireAttr("publish", t.Attr, "uri")
			if err != nil {
				return err
			}
			hash, has, err := xmlscope.OptionalHash("publish", t.Attr, "hash")
			if err != nil {
				return err
			}
			h.curURI = uri
			if has {
				h.curHash = &hash
			} else {
				h.curHash = nil
			}
			h.curB64 = h.curB64[:0]
			h.decoded = h.decoded[:0]
			h.sc = scopeInPublish
			return nil
		case "withdraw":
			uri, err := xmlscope.RequireAttr("withdraw", t.Attr, "uri")
			if err != nil {
				return err
			}
			hash, err := xmlscope.RequireHash("withdraw", t.Attr, "hash")
			if err != nil {
				return err
			}
			h.curURI = uri
			h.curHash = &hash
			h.sc = scopeInWithdraw
			return nil
		default:
			return xmlscope.Fail(t.Name.Local, "expected <publish> or <withdraw> inside <delta>")
		}
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
		kind := fileevent.Add
		if h.curHash != nil {
			kind = fileevent.Update
		}
		ev := fileevent.FileEvent{
			SessionID:    h.sessionID,
			Type:         kind,
			URI:          h.curURI,
			ExpectedHash: h.curHash,
			Data:         append([]byte(nil), h.decoded...),
		}
		h.sc = scopeDelta
		return h.emit(ev)
	case scopeInWithdraw:
		if t.Name.Local != "withdraw" {
			return xmlscope.Fail(t.Name.Local, "<withdraw> must not contain child elements")
		}
		ev := fileevent.FileEvent{
			SessionID:    h.sessionID,
			Type:         fileevent.Withdraw,
			URI:          h.curURI,
			ExpectedHash: h.curHash,
		}
		h.sc = scopeDelta
		return h.emit(ev)
	case scopeDelta:
		if t.Name.Local != "delta" {
			return xmlscope.Fail(t.Name.Local, "expected </delta>")
		}
		h.sc = scopeEnd
		return nil
	default:
		return xmlscope.Fail(t.Name.Local, "unexpected closing tag in current scope")
	}
}

func (h *Handler) drainB64(final bool) error {
	if b64util.IsIgnorableChunk(h.curB64) && !final {
		return nil
	}
	// Whole groups of 4 base64 characters only, unless this is the final
	// flush; bytes outside the alphabet do not count toward a group.
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

func (h *Handler) parseDeltaAttrs(attrs []xml.Attr) error {
	serialStr, err := xmlscope.RequireAttr("delta", attrs, "serial")
	if err != nil {
		return err
	}
	serial, err := xmlscope.ParseSerial("delta", serialStr, 1)
	if err != nil {
		return err
	}
	if h.expectSerial != 0 && serial != h.expectSerial {
		return xmlscope.Fail("delta", "serial does not match the notification's advertised delta serial")
	}
	return nil
}
