// Package scheduler implements the Scheduler (spec.md §4.5): it turns
// incoming control-channel messages into Session method calls, drives
// REQ-phase sessions up to MAX_SESSIONS concurrently, and forwards each
// Session's emitted request/file/session/end events back out over the
// channel. Session never touches the channel or the network directly;
// the Scheduler is the only piece that does.
//
// The event loop itself follows dwarri-gazette/broker/append_fsm.go's
// run method: one goroutine, one select over a handful of channels,
// reacting to one event at a time rather than locking shared state.
package scheduler

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/semaphore"

	"github.com/rpki-tools/rrdpworker/internal/fileevent"
	"github.com/rpki-tools/rrdpworker/internal/persist"
	"github.com/rpki-tools/rrdpworker/internal/rrdplog"
	"github.com/rpki-tools/rrdpworker/internal/session"
	"github.com/rpki-tools/rrdpworker/internal/wire"
)

const feedChunkSize = 32 * 1024

// streamResult is one event from a per-session stream-reading goroutine,
// fed back into the single-threaded scheduler loop.
type streamResult struct {
	id  uint64
	buf []byte
	err error // io.EOF on a clean end, anything else is a read failure
}

// Scheduler owns every in-flight Session for one worker process and is
// the sole writer to the control channel's worker-side half.
type Scheduler struct {
	channel wire.WorkerSide
	sem     *semaphore.Weighted

	// sessions and held are only ever touched from the Run goroutine;
	// pumpStream goroutines communicate exclusively through feedCh.
	sessions map[uint64]*session.Session
	held     map[uint64]bool

	feedCh chan streamResult
	done   chan struct{}
}

// New returns a Scheduler bounded to maxSessions concurrently-fetching
// sessions, driving channel.
func New(channel wire.WorkerSide, maxSessions int) *Scheduler {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Scheduler{
		channel:  channel,
		sem:      semaphore.NewWeighted(int64(maxSessions)),
		sessions: make(map[uint64]*session.Session),
		held:     make(map[uint64]bool),
		feedCh:   make(chan streamResult, 64),
		done:     make(chan struct{}),
	}
}

// Run drives the event loop until the channel closes or ctx is
// cancelled. It returns nil on a clean channel close.
func (s *Scheduler) Run(ctx context.Context) error {
	msgCh := make(chan any)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := s.channel.RecvToWorker()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-s.done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return ctx.Err()

		case err := <-errCh:
			close(s.done)
			if errors.Is(err, wire.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case msg := <-msgCh:
			if err := s.handleMessage(msg); err != nil {
				close(s.done)
				return err
			}
			s.pumpReady()

		case sr := <-s.feedCh:
			s.handleStreamResult(sr)
			s.pumpReady()
		}
	}
}

func (s *Scheduler) handleMessage(msg any) error {
	switch m := msg.(type) {
	case wire.Start:
		s.startSession(m)
	case wire.HTTPIni:
		s.attachStream(m)
	case wire.HTTPFin:
		s.fetchResult(m)
	case wire.FileAck:
		s.fileAck(m)
	default:
		rrdplog.Warn("scheduler: ignoring unexpected message", "type", msg)
	}
	return nil
}

func (s *Scheduler) startSession(m wire.Start) {
	prior := priorState(m)
	emitter := &schedulerEmitter{sched: s}
	sess := session.New(m.ID, m.LocalPath, m.NotifyURI, prior, emitter)
	s.sessions[m.ID] = sess
	rrdplog.Info("session started", "session_id", m.ID, "notify_uri", m.NotifyURI)
}

func (s *Scheduler) attachStream(m wire.HTTPIni) {
	sess, ok := s.sessions[m.ID]
	if !ok {
		rrdplog.Warn("scheduler: HTTP_INI for unknown session", "session_id", m.ID)
		return
	}
	if err := sess.OnFetchAttached(); err != nil {
		s.fatal(sess, err)
		return
	}
	go s.pumpStream(m.ID, m.Stream)
}

func (s *Scheduler) pumpStream(id uint64, stream io.ReadCloser) {
	defer stream.Close()
	buf := make([]byte, feedChunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.feedCh <- streamResult{id: id, buf: chunk}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.feedCh <- streamResult{id: id, err: err}:
			case <-s.done:
			}
			return
		}
	}
}

func (s *Scheduler) handleStreamResult(sr streamResult) {
	sess, ok := s.sessions[sr.id]
	if !ok {
		return
	}
	if sr.buf != nil {
		if err := sess.Feed(sr.buf); err != nil {
			s.fatal(sess, err)
		}
		return
	}
	if sr.err == io.EOF {
		if err := sess.StreamEOF(); err != nil {
			s.fatal(sess, err)
		}
		s.releaseIfIdle(sess)
		return
	}
	rrdplog.Warn("session stream read failed", "session_id", sr.id, "error", sr.err)
	if err := sess.StreamEOF(); err != nil {
		s.fatal(sess, err)
	}
	s.releaseIfIdle(sess)
}

func (s *Scheduler) fetchResult(m wire.HTTPFin) {
	sess, ok := s.sessions[m.ID]
	if !ok {
		rrdplog.Warn("scheduler: HTTP_FIN for unknown session", "session_id", m.ID)
		return
	}
	if err := sess.OnFetchResult(int(m.Status), m.LastModified); err != nil {
		s.fatal(sess, err)
		return
	}
	s.releaseIfIdle(sess)
	s.reap(sess)
}

func (s *Scheduler) fileAck(m wire.FileAck) {
	sess, ok := s.sessions[m.ID]
	if !ok {
		rrdplog.Warn("scheduler: FILE_ACK for unknown session", "session_id", m.ID)
		return
	}
	if err := sess.OnFileAck(m.OK != 0); err != nil {
		s.fatal(sess, err)
		return
	}
	s.releaseIfIdle(sess)
	s.reap(sess)
}

// pumpReady ticks every REQ-phase session that can claim a semaphore
// slot, emitting its HTTP_REQ and moving it to WAITING.
func (s *Scheduler) pumpReady() {
	for id, sess := range s.sessions {
		if sess.Phase() != session.PhaseReq || s.held[id] {
			continue
		}
		if !s.sem.TryAcquire(1) {
			continue
		}
		s.held[id] = true
		sess.Tick()
	}
}

// releaseIfIdle frees a session's semaphore slot once it has returned
// to REQ (ready for its next fetch) or finished.
func (s *Scheduler) releaseIfIdle(sess *session.Session) {
	id := sess.ID()
	if !s.held[id] {
		return
	}
	if sess.Phase() == session.PhaseReq || sess.Phase() == session.PhaseDone {
		s.sem.Release(1)
		s.held[id] = false
	}
}

func (s *Scheduler) reap(sess *session.Session) {
	if sess.Done() {
		delete(s.sessions, sess.ID())
		delete(s.held, sess.ID())
	}
}

func (s *Scheduler) fatal(sess *session.Session, err error) {
	rrdplog.Error("session protocol/invariant error, ending session", "session_id", sess.ID(), "error", err)
	_ = s.channel.SendToParent(wire.End{ID: sess.ID(), OK: 0})
	s.releaseIfIdle(sess)
	delete(s.sessions, sess.ID())
	delete(s.held, sess.ID())
}

func priorState(m wire.Start) persist.RepositoryState {
	return persist.RepositoryState{
		SessionID:    m.PriorSessionID,
		Serial:       m.PriorSerial,
		LastModified: m.PriorLastModified,
	}
}

// schedulerEmitter adapts session.Emitter onto the control channel.
type schedulerEmitter struct {
	sched *Scheduler
	id    uint64
}

func (e *schedulerEmitter) EmitRequest(id uint64, uri, ifModifiedSince string) {
	_ = e.sched.channel.SendToParent(wire.HTTPReq{ID: id, URI: uri, IfModifiedSince: ifModifiedSince})
}

func (e *schedulerEmitter) EmitFile(ev fileevent.FileEvent) {
	_ = e.sched.channel.SendToParent(wire.File{
		ID:           ev.SessionID,
		Type:         fileEventKindToWire(ev.Type),
		ExpectedHash: ev.ExpectedHash,
		URI:          ev.URI,
		Data:         ev.Data,
	})
}

func (e *schedulerEmitter) EmitSession(id uint64, state persist.RepositoryState) {
	_ = e.sched.channel.SendToParent(wire.Session{
		ID:           id,
		SessionID:    state.SessionID,
		Serial:       state.Serial,
		LastModified: state.LastModified,
	})
}

func (e *schedulerEmitter) EmitEnd(id uint64, ok bool) {
	okInt := int32(0)
	if ok {
		okInt = 1
	}
	_ = e.sched.channel.SendToParent(wire.End{ID: id, OK: okInt})
}

func fileEventKindToWire(k fileevent.Kind) wire.FileType {
	switch k {
	case fileevent.Update:
		return wire.FileUpdate
	case fileevent.Withdraw:
		return wire.FileWithdraw
	default:
		return wire.FileAdd
	}
}
