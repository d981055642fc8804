package testfixture

import (
	"net/http"
	"sync"
	"time"

	"github.com/rpki-tools/rrdpworker/internal/wire"
)

// Parent is a reference implementation of the parent role used only to
// drive internal/scheduler and internal/session through a
// wire.ParentSide in integration tests. It turns each HTTP_REQ into a real HTTP fetch
// against a Server, the way a production parent would, and
// acknowledges every FILE it receives. It is not a substitute for a
// real parent process: it does not write any persisted state.
type Parent struct {
	side   wire.ParentSide
	client *http.Client

	mu       sync.Mutex
	files    []wire.File
	sessions []wire.Session
	ends     []wire.End
}

// NewParent returns a Parent driving side, fetching over client (an
// *http.Client with a 30-second timeout is used if client is nil).
func NewParent(side wire.ParentSide, client *http.Client) *Parent {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Parent{side: side, client: client}
}

// Run processes worker->parent messages until the channel closes. It
// is meant to be run in its own goroutine for the lifetime of a test.
func (p *Parent) Run() error {
	for {
		msg, err := p.side.RecvFromWorker()
		if err != nil {
			return err
		}
		if err := p.handle(msg); err != nil {
			return err
		}
	}
}

func (p *Parent) handle(msg any) error {
	switch m := msg.(type) {
	case wire.HTTPReq:
		return p.fetch(m)
	case wire.File:
		p.mu.Lock()
		p.files = append(p.files, m)
		p.mu.Unlock()
		return p.side.SendToWorker(wire.FileAck{ID: m.ID, OK: 1})
	case wire.Session:
		p.mu.Lock()
		p.sessions = append(p.sessions, m)
		p.mu.Unlock()
		return nil
	case wire.End:
		p.mu.Lock()
		p.ends = append(p.ends, m)
		p.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// Snapshot returns a copy of every FILE/SESSION/END message observed so
// far, safe to call concurrently with Run.
func (p *Parent) Snapshot() (files []wire.File, sessions []wire.Session, ends []wire.End) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.File(nil), p.files...), append([]wire.Session(nil), p.sessions...), append([]wire.End(nil), p.ends...)
}

// fetch performs a real GET against m.URI, honoring If-Modified-Since,
// and reports the outcome as HTTP_INI followed by HTTP_FIN — in that
// order, but the worker side must tolerate either arrival order since
// HTTP_FIN is sent without waiting for the worker to read the body to
// EOF.
func (p *Parent) fetch(m wire.HTTPReq) error {
	req, err := http.NewRequest(http.MethodGet, m.URI, nil)
	if err != nil {
		return p.side.SendToWorker(wire.HTTPFin{ID: m.ID, Status: 0})
	}
	if m.IfModifiedSince != "" {
		req.Header.Set("If-Modified-Since", m.IfModifiedSince)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.side.SendToWorker(wire.HTTPFin{ID: m.ID, Status: 0})
	}

	if err := p.side.SendToWorker(wire.HTTPIni{ID: m.ID, Stream: resp.Body}); err != nil {
		_ = resp.Body.Close()
		return err
	}
	return p.side.SendToWorker(wire.HTTPFin{
		ID:           m.ID,
		Status:       int32(resp.StatusCode),
		LastModified: resp.Header.Get("Last-Modified"),
	})
}
