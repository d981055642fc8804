// Package notification implements the RRDP notification document
// schema and scope automaton (spec.md §4.2), and the plan computation
// check_state (spec.md §4.3) that chooses between "up to date",
// "apply deltas" and "fall back to snapshot".
package notification

import (
	"encoding/xml"
	"io"
	"sort"

	"github.com/rpki-tools/rrdpworker/internal/xmlscope"
)

// Plan is the next action a Session should take once a notification
// document has been (fully or partially) parsed.
type Plan int

const (
	// PlanPending means the deltas haven't been inspected yet; the
	// decision must be deferred until more of the document is parsed.
	PlanPending Plan = iota
	// PlanNone means the local mirror is already at the advertised serial.
	PlanNone
	// PlanDeltas means apply the contiguous delta chain.
	PlanDeltas
	// PlanSnapshot means fall back to fetching the full snapshot.
	PlanSnapshot
	// PlanError means the notification is unusable (e.g. serial went backwards).
	PlanError
)

func (p Plan) String() string {
	switch p {
	case PlanNone:
		return "NONE"
	case PlanDeltas:
		return "DELTAS"
	case PlanSnapshot:
		return "SNAPSHOT"
	case PlanError:
		return "ERROR"
	default:
		return "PENDING"
	}
}

// PriorState is the subset of persist.RepositoryState that plan
// computation needs. Kept separate from persist.RepositoryState so this
// package has no dependency on how state is persisted.
type PriorState struct {
	SessionID string
	Serial    uint64
}

// DeltaRef is one <delta> entry from a notification document.
type DeltaRef struct {
	Serial uint64
	URI    string
	Hash   xmlscope.Hash
}

// Doc is the parsed (possibly partially-parsed) notification document.
type Doc struct {
	Version      int
	SessionID    string
	Serial       uint64
	SnapshotURI  string
	SnapshotHash xmlscope.Hash
	Deltas       []DeltaRef // sorted ascending by Serial; duplicates already rejected

	Plan Plan
}

// scope is the notification document's scope automaton, per spec.md §4.2:
// START -> NOTIFICATION -> (SNAPSHOT -> POST_SNAPSHOT) -> (DELTA -> POST_SNAPSHOT)* -> END.
type scope int

const (
	scopeStart scope = iota
	scopeNotification
	scopeSnapshot
	scopePostSnapshot
	scopeDelta
	scopeEnd
)

// Handler streams a notification document through an xml.Decoder,
// maintaining the scope automaton and recomputing Plan as soon as
// enough of the document is known. The hasher is never fed: spec.md §3
// requires notification bytes to never be hashed.
type Handler struct {
	prior    PriorState
	doc      Doc
	sc       scope
	seenSerl map[uint64]bool
	src      *xmlscope.StreamFeeder
}

// NewHandler returns a Handler ready to stream a notification document
// fetched on behalf of a repository previously at prior.
func NewHandler(prior PriorState) *Handler {
	h := &Handler{
		prior:    prior,
		sc:       scopeStart,
		seenSerl: make(map[uint64]bool),
	}
	h.src = xmlscope.NewStreamFeeder(h.decode)
	return h
}

// Doc returns the document parsed so far. Safe to call at any point;
// fields not yet parsed are zero-valued and Plan is PlanPending until
// enough of the document has been seen.
func (h *Handler) Doc() *Doc { return &h.doc }

// Feed pushes newly-read bytes into the parser and blocks until the
// decode goroutine has dispatched every token derivable from them, or
// until a fatal scope/XML error has already ended decoding.
func (h *Handler) Feed(p []byte) error {
	return h.src.Feed(p)
}

// Close signals end-of-input, waits for the decode goroutine to finish,
// and requires the automaton to have reached scopeEnd; anything else
// (truncated document, unclosed element) is a fatal parse error.
func (h *Handler) Close() error {
	if err := h.src.Close(); err != nil {
		return err
	}
	if h.sc != scopeEnd {
		return xmlscope.Fail("notification", "document ended before </notification>")
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
			return xmlscope.Wrap("notification", "malformed XML", err)
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
	default:
		return nil // character data and friends are irrelevant here
	}
}

func (h *Handler) onStart(t xml.StartElement) error {
	switch h.sc {
	case scopeStart:
		if t.Name.Local != "notification" {
			return xmlscope.Fail(t.Name.Local, "expected <notification> as document root")
		}
		if err := h.parseNotificationAttrs(t.Attr); err != nil {
			return err
		}
		h.sc = scopeNotification
		h.doc.Plan = CheckState(h.prior, &h.doc, false)
		return nil
	case scopeNotification:
		if t.Name.Local != "snapshot" {
			return xmlscope.Fail(t.Name.Local, "expected <snapshot> before any <delta>")
		}
		if err := h.parseSnapshotAttrs(t.Attr); err != nil {
			return err
		}
		h.sc = scopeSnapshot
		return nil
	case scopePostSnapshot:
		if t.Name.Local != "delta" {
			return xmlscope.Fail(t.Name.Local, "expected <delta> or </notification>")
		}
		if err := h.parseDeltaAttr(t.Attr); err != nil {
			return err
		}
		h.sc = scopeDelta
		return nil
	default:
		return xmlscope.Fail(t.Name.Local, "unexpected element in current scope")
	}
}

func (h *Handler) onEnd(t xml.EndElement) error {
	switch h.sc {
	case scopeSnapshot:
		if t.Name.Local != "snapshot" {
			return xmlscope.Fail(t.Name.Local, "<snapshot> must not contain child elements")
		}
		h.sc = scopePostSnapshot
		return nil
	case scopeDelta:
		if t.Name.Local != "delta" {
			return xmlscope.Fail(t.Name.Local, "<delta> must not contain child elements")
		}
		h.sc = scopePostSnapshot
		return nil
	case scopePostSnapshot:
		if t.Name.Local != "notification" {
			return xmlscope.Fail(t.Name.Local, "expected </notification>")
		}
		h.sc = scopeEnd
		h.doc.Plan = CheckState(h.prior, &h.doc, true)
		return nil
	default:
		return xmlscope.Fail(t.Name.Local, "unexpected closing tag in current scope")
	}
}

func (h *Handler) parseNotificationAttrs(attrs []xml.Attr) error {
	if _, err := xmlscope.RequireAttr("notification", attrs, "xmlns"); err != nil {
		return err
	}
	verStr, err := xmlscope.RequireAttr("notification", attrs, "version")
	if err != nil {
		return err
	}
	version, err := xmlscope.ParseVersion("notification", verStr)
	if err != nil {
		return err
	}
	sessionID, err := xmlscope.RequireAttr("notification", attrs, "session_id")
	if err != nil {
		return err
	}
	serialStr, err := xmlscope.RequireAttr("notification", attrs, "serial")
	if err != nil {
		return err
	}
	serial, err := xmlscope.ParseSerial("notification", serialStr, 1)
	if err != nil {
		return err
	}
	h.doc.Version = version
	h.doc.SessionID = sessionID
	h.doc.Serial = serial
	return nil
}

func (h *Handler) parseSnapshotAttrs(attrs []xml.Attr) error {
	uri, err := xmlscope.RequireAttr("snapshot", attrs, "uri")
	if err != nil {
		return err
	}
	hash, err := xmlscope.RequireHash("snapshot", attrs, "hash")
	if err != nil {
		return err
	}
	h.doc.SnapshotURI = uri
	h.doc.SnapshotHash = hash
	return nil
}

func (h *Handler) parseDeltaAttr(attrs []xml.Attr) error {
	uri, err := xmlscope.RequireAttr("delta", attrs, "uri")
	if err != nil {
		return err
	}
	hash, err := xmlscope.RequireHash("delta", attrs, "hash")
	if err != nil {
		return err
	}
	serialStr, err := xmlscope.RequireAttr("delta", attrs, "serial")
	if err != nil {
		return err
	}
	serial, err := xmlscope.ParseSerial("delta", serialStr, 1)
	if err != nil {
		return err
	}
	if h.seenSerl[serial] {
		return xmlscope.Fail("delta", "duplicate delta serial in notification")
	}
	h.seenSerl[serial] = true

	if serial <= h.prior.Serial {
		return nil // dropped: already applied, per spec.md §4.2
	}

	ref := DeltaRef{Serial: serial, URI: uri, Hash: hash}
	idx := sort.Search(len(h.doc.Deltas), func(i int) bool {
		return h.doc.Deltas[i].Serial >= serial
	})
	h.doc.Deltas = append(h.doc.Deltas, DeltaRef{})
	copy(h.doc.Deltas[idx+1:], h.doc.Deltas[idx:])
	h.doc.Deltas[idx] = ref
	return nil
}

// CheckState implements check_state (spec.md §4.3) as a pure function.
// deltasKnown reports whether the delta list is fully known (scope has
// reached at least the end of the delta sequence); when false, the
// decision is deferred and PlanPending is returned. None of the
// NONE/ERROR/SNAPSHOT-by-session-change outcomes depend on the delta
// list, so recomputing this at both notification-start and
// notification-end (rather than tracking a separate "sticky" flag)
// always yields the same final answer — an ERROR or NONE verdict
// reached early can never be overturned by deltas parsed afterward.
func CheckState(prior PriorState, doc *Doc, deltasKnown bool) Plan {
	if prior.SessionID == "" || prior.Serial == 0 {
		return PlanSnapshot
	}
	if doc.SessionID == "" || doc.Serial == 0 {
		return PlanError
	}
	if prior.SessionID != doc.SessionID {
		return PlanSnapshot
	}

	if doc.Serial < prior.Serial {
		return PlanError
	}
	diff := doc.Serial - prior.Serial
	if diff == 0 {
		return PlanNone
	}
	if !deltasKnown {
		return PlanPending
	}

	if uint64(len(doc.Deltas)) != diff {
		return PlanSnapshot
	}
	want := prior.Serial + 1
	for _, d := range doc.Deltas {
		if d.Serial != want {
			return PlanSnapshot
		}
		want++
	}
	return PlanDeltas
}
