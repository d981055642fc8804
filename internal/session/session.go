// Package session implements the per-repository RRDP state machine
// (spec.md §4.1): the NOTIFICATION -> {SNAPSHOT | DELTA*} -> DONE phase
// progression, hash verification, plan-driven branching, and the RFC
// 8182 delta-to-snapshot failure fallback. The state-as-field plus
// small enum-driven transition methods, each starting with a phase
// guard that returns a typed error, follows the shape of appendFSM in the broker
// package: a struct the Scheduler drives one event at a time, never a
// goroutine of its own.
package session

import (
	"fmt"

	"github.com/rpki-tools/rrdpworker/internal/fileevent"
	"github.com/rpki-tools/rrdpworker/internal/hashutil"
	"github.com/rpki-tools/rrdpworker/internal/persist"
	"github.com/rpki-tools/rrdpworker/internal/rrdpxml/delta"
	"github.com/rpki-tools/rrdpworker/internal/rrdpxml/notification"
	"github.com/rpki-tools/rrdpworker/internal/rrdpxml/snapshot"
	"github.com/rpki-tools/rrdpworker/internal/xmlscope"
)

// Task is which document a session is currently fetching/parsing.
type Task int

const (
	TaskNotification Task = iota
	TaskSnapshot
	TaskDelta
)

func (t Task) String() string {
	switch t {
	case TaskSnapshot:
		return "SNAPSHOT"
	case TaskDelta:
		return "DELTA"
	default:
		return "NOTIFICATION"
	}
}

// Phase is the session's position in the fetch/parse lifecycle.
type Phase int

const (
	PhaseReq Phase = iota
	PhaseWaiting
	PhaseParsing
	PhaseParsed
	PhaseError
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "WAITING"
	case PhaseParsing:
		return "PARSING"
	case PhaseParsed:
		return "PARSED"
	case PhaseError:
		return "ERROR"
	case PhaseDone:
		return "DONE"
	default:
		return "REQ"
	}
}

// streamHandler is the tagged union's common shape. notification.Handler,
// snapshot.Handler and delta.Handler each satisfy it independently;
// Session holds one at a time behind this interface (spec.md §9:
// "tagged sum over {Notification, Snapshot, Delta}").
type streamHandler interface {
	Feed(p []byte) error
	Close() error
}

// Emitter is how a Session produces worker-to-parent messages
// (spec.md §6). The Scheduler supplies an implementation backed by the
// control channel; Session never touches the channel directly.
type Emitter interface {
	EmitRequest(id uint64, uri, ifModifiedSince string)
	EmitFile(ev fileevent.FileEvent)
	EmitSession(id uint64, state persist.RepositoryState)
	EmitEnd(id uint64, ok bool)
}

// Session is one in-flight repository sync (spec.md §3).
type Session struct {
	id        uint64
	localPath string
	notifyURI string
	repository persist.RepositoryState // prior state, may be zero value
	current    persist.RepositoryState // under construction

	task  Task
	phase Phase

	expectedHash xmlscope.Hash
	pendingURI   string
	hasher       *hashutil.Digest

	handler      streamHandler
	notifHandler *notification.Handler
	deltas       []notification.DeltaRef
	deltaIdx     int

	filePending uint
	fileFailed  uint

	streamConcluded       bool
	fetchConcluded        bool
	concludedStatus       int
	concludedLastModified string
	handlerClosed         bool

	snapshotFallbackUsed bool
	lastErr              error

	emitter Emitter
}

// New creates a Session ready to fetch notifyURI on behalf of
// repository (the zero value if this is the first sync).
func New(id uint64, localPath, notifyURI string, repository persist.RepositoryState, emitter Emitter) *Session {
	s := &Session{
		id:         id,
		localPath:  localPath,
		notifyURI:  notifyURI,
		repository: repository,
		current:    persist.RepositoryState{Label: repository.Label},
		task:       TaskNotification,
		phase:      PhaseReq,
		emitter:    emitter,
	}
	s.installNotificationHandler()
	return s
}

// ID returns the session's identifier, as chosen by the parent.
func (s *Session) ID() uint64 { return s.id }

// Phase returns the session's current phase.
func (s *Session) Phase() Phase { return s.phase }

// Task returns the document currently being fetched.
func (s *Session) Task() Task { return s.task }

// Done reports whether the session has reached a terminal phase and
// can be reaped by the Scheduler.
func (s *Session) Done() bool { return s.phase == PhaseDone }

func (s *Session) installNotificationHandler() {
	prior := notification.PriorState{SessionID: s.repository.SessionID, Serial: s.repository.Serial}
	s.notifHandler = notification.NewHandler(prior)
	s.handler = s.notifHandler
}

func (s *Session) installSnapshotHandler(uri string, h xmlscope.Hash) {
	s.pendingURI = uri
	s.expectedHash = h
	s.hasher = hashutil.NewDigest()
	s.handler = snapshot.NewHandler(s.id, uri, h, s.onFileEvent)
}

func (s *Session) installDeltaHandler(ref notification.DeltaRef) {
	s.pendingURI = ref.URI
	s.expectedHash = ref.Hash
	s.hasher = hashutil.NewDigest()
	s.handler = delta.NewHandler(s.id, ref.Serial, ref.URI, s.onFileEvent)
}

func (s *Session) resetForNextFetch() {
	s.streamConcluded = false
	s.fetchConcluded = false
	s.concludedStatus = 0
	s.concludedLastModified = ""
	s.fileFailed = 0
	s.lastErr = nil
	s.handlerClosed = false
}

// stopHandler closes the current handler's decode goroutine at most
// once, discarding the result. Every exit path out of a fetch must call
// this exactly once: the handler now parses on its own goroutine (an
// xml.Decoder reading from a blocking xmlscope.StreamFeeder, not a
// synthetic poll-again reader),
// and that goroutine only ever stops once Close is called.
func (s *Session) stopHandler() {
	if s.handlerClosed {
		return
	}
	s.handlerClosed = true
	_ = s.handler.Close()
}

func (s *Session) onFileEvent(ev fileevent.FileEvent) error {
	s.filePending++
	s.emitter.EmitFile(ev)
	return nil
}

// Tick is called by the Scheduler for every Session in phase REQ. It
// synthesizes the next FetchRequest and moves the session to WAITING
// (spec.md §4.5 step 1).
func (s *Session) Tick() {
	if s.phase != PhaseReq {
		return
	}
	switch s.task {
	case TaskNotification:
		s.emitter.EmitRequest(s.id, s.notifyURI, s.repository.LastModified)
	default:
		s.emitter.EmitRequest(s.id, s.pendingURI, "")
	}
	s.phase = PhaseWaiting
}

// OnFetchAttached handles HTTP_INI: the parent has attached a readable
// stream for the pending fetch.
func (s *Session) OnFetchAttached() error {
	if s.phase != PhaseWaiting {
		return &InvariantError{Reason: fmt.Sprintf("HTTP_INI received while in phase %s", s.phase)}
	}
	s.phase = PhaseParsing
	return nil
}

// Feed delivers newly-read stream bytes (spec.md §4.5 step 6, "n>0").
// It hashes the bytes (unless this is the notification task, which is
// never hashed) and pushes them into the handler. A parse error moves
// the session to ERROR but is not itself returned as a worker-fatal
// error: failure handling happens later, in the FetchResult/EOF
// completion logic.
func (s *Session) Feed(p []byte) error {
	switch s.phase {
	case PhaseError:
		return nil // draining; nothing more to do with these bytes
	case PhaseParsing:
	default:
		return ErrBadPhaseForFeed
	}
	if s.task != TaskNotification {
		s.hasher.Write(p)
	}
	if err := s.handler.Feed(p); err != nil {
		s.phase = PhaseError
		s.lastErr = &ParseError{Cause: err}
	}
	return nil
}

// StreamEOF handles "n==0" on the attached stream (spec.md §4.5 step
// 6, and the PARSING/ERROR rows of §4.1's transition table).
func (s *Session) StreamEOF() error {
	switch s.phase {
	case PhaseError:
		s.streamConcluded = true
		return s.maybeComplete()
	case PhaseParsing:
		if s.task != TaskNotification {
			if s.hasher.Sum() != s.expectedHash {
				s.phase = PhaseError
				s.lastErr = &HashMismatchError{URI: s.pendingURI}
				s.streamConcluded = true
				return s.maybeComplete()
			}
		}
		s.phase = PhaseParsed
		s.streamConcluded = true
		return s.maybeComplete()
	default:
		return &InvariantError{Reason: fmt.Sprintf("stream EOF received while in phase %s", s.phase)}
	}
}

// OnFetchResult handles HTTP_FIN. It may arrive before or after
// StreamEOF; the session defers the completion logic until both have
// happened (spec.md §5 ordering guarantees). Accepting it in WAITING or
// PARSING (not just the post-StreamEOF PARSED/ERROR phases) is what
// actually makes that tolerance hold: a FetchResult racing ahead of the
// last stream read only records the outcome, and maybeComplete waits
// for StreamEOF to run it.
func (s *Session) OnFetchResult(status int, lastModified string) error {
	switch s.phase {
	case PhaseWaiting, PhaseParsing, PhaseParsed, PhaseError:
	default:
		return &InvariantError{Reason: fmt.Sprintf("FetchResult received while in phase %s", s.phase)}
	}
	if s.fetchConcluded {
		return &ProtocolError{Reason: "duplicate FetchResult for session"}
	}
	s.fetchConcluded = true
	s.concludedStatus = status
	s.concludedLastModified = lastModified
	return s.maybeComplete()
}

// OnFileAck handles FILE_ACK. A failed ack dooms the whole session
// even if it arrives after the parser has otherwise finished
// successfully (spec.md testable property 6).
func (s *Session) OnFileAck(ok bool) error {
	if s.filePending == 0 {
		return &ProtocolError{Reason: "FILE_ACK received with no pending files"}
	}
	s.filePending--
	if !ok {
		s.fileFailed++
	}
	return s.maybeComplete()
}

// maybeComplete runs the completion logic once the stream has reached
// EOF, the FetchResult has arrived, and every emitted FileEvent has
// been acknowledged (spec.md §4.1 "wait for all files" rule).
func (s *Session) maybeComplete() error {
	if !s.streamConcluded || !s.fetchConcluded {
		return nil
	}
	if s.filePending > 0 {
		return nil
	}
	return s.runCompletion()
}

func (s *Session) runCompletion() error {
	if s.phase == PhaseError {
		s.stopHandler()
		return s.failureFallback()
	}

	if s.concludedStatus == 304 && s.task == TaskNotification {
		s.stopHandler()
		if s.concludedLastModified != "" {
			s.current.LastModified = s.concludedLastModified
		}
		s.phase = PhaseDone
		s.emitter.EmitEnd(s.id, true)
		return nil
	}

	if s.concludedStatus != 200 {
		s.stopHandler()
		s.phase = PhaseError
		s.lastErr = &TransportError{Status: s.concludedStatus}
		return s.failureFallback()
	}

	s.handlerClosed = true
	if err := s.handler.Close(); err != nil {
		s.phase = PhaseError
		s.lastErr = &ParseError{Cause: err}
		return s.failureFallback()
	}
	if s.fileFailed > 0 {
		s.phase = PhaseError
		s.lastErr = ErrFileFailed
		return s.failureFallback()
	}

	switch s.task {
	case TaskNotification:
		return s.completeNotification()
	case TaskSnapshot:
		s.finishSuccess()
		return nil
	case TaskDelta:
		return s.completeDelta()
	default:
		return &InvariantError{Reason: "unknown task in runCompletion"}
	}
}

func (s *Session) completeNotification() error {
	doc := s.notifHandler.Doc()
	switch doc.Plan {
	case notification.PlanNone:
		s.current.SessionID = doc.SessionID
		s.current.Serial = doc.Serial
		s.current.LastModified = s.concludedLastModified
		s.phase = PhaseDone
		s.emitter.EmitSession(s.id, s.current)
		s.emitter.EmitEnd(s.id, true)
		return nil
	case notification.PlanSnapshot:
		s.installSnapshotHandler(doc.SnapshotURI, doc.SnapshotHash)
		s.task = TaskSnapshot
		s.resetForNextFetch()
		s.phase = PhaseReq
		return nil
	case notification.PlanDeltas:
		s.deltas = doc.Deltas
		s.deltaIdx = 0
		s.task = TaskDelta
		s.resetForNextFetch()
		s.installDeltaHandler(s.deltas[0])
		s.phase = PhaseReq
		return nil
	default: // PlanError, or PlanPending (cannot occur: Close requires the doc fully parsed)
		s.phase = PhaseError
		s.lastErr = fmt.Errorf("session: notification plan %s", doc.Plan)
		return s.failureFallback()
	}
}

func (s *Session) completeDelta() error {
	s.deltaIdx++
	if s.deltaIdx < len(s.deltas) {
		s.installDeltaHandler(s.deltas[s.deltaIdx])
		s.resetForNextFetch()
		s.phase = PhaseReq
		return nil
	}
	s.finishSuccess()
	return nil
}

func (s *Session) finishSuccess() {
	doc := s.notifHandler.Doc()
	s.current.SessionID = doc.SessionID
	s.current.Serial = doc.Serial
	s.current.LastModified = s.concludedLastModified
	s.phase = PhaseDone
	s.emitter.EmitSession(s.id, s.current)
	s.emitter.EmitEnd(s.id, true)
}

// failureFallback implements spec.md §7: a delta-phase failure gets
// exactly one snapshot attempt before the session gives up; any other
// failure frees the session immediately.
func (s *Session) failureFallback() error {
	if s.task == TaskDelta && !s.snapshotFallbackUsed {
		s.snapshotFallbackUsed = true
		doc := s.notifHandler.Doc()
		s.installSnapshotHandler(doc.SnapshotURI, doc.SnapshotHash)
		s.task = TaskSnapshot
		s.resetForNextFetch()
		s.phase = PhaseReq
		return nil
	}
	s.phase = PhaseDone
	s.emitter.EmitEnd(s.id, false)
	return nil
}

// Err returns the error that moved the session into ERROR, if any.
func (s *Session) Err() error { return s.lastErr }
