package xmlscope

import "io"

// StreamFeeder adapts the worker's push-style Feed(p)/Close() API onto a
// real blocking reader that drives an encoding/xml.Decoder on its own
// goroutine, the way nemith/netconf's session wires its decoder
// straight to a transport read rather than to a buffer that reports
// io.EOF whenever it happens to be momentarily empty. A Decoder treats
// that EOF as the genuine end of input: once it sees one while an
// element is still open it raises a permanent *xml.SyntaxError and
// never recovers, even if more valid bytes show up afterward. Blocking
// Feed() until the decode goroutine has drained everything handed to it
// so far — rather than handing back control the instant bytes are
// queued — is what lets StreamFeeder still report Feed's own parse
// errors synchronously, the same as the three document handlers always
// have.
//
// StreamFeeder implements io.ByteReader, which Decoder prefers over
// wrapping a reader in its own bufio.Reader (see
// (*encoding/xml.Decoder).switchToReader); driving the decoder one byte
// at a time like this, instead of through bufio's own read-ahead, keeps
// "the decode goroutine is blocked waiting for its next byte" an exact
// proxy for "every token derivable from what's been fed has already
// been dispatched".
type StreamFeeder struct {
	feedCh chan []byte
	idleCh chan struct{}
	doneCh chan struct{}
	err    error

	pending []byte // unconsumed tail of the chunk in flight; goroutine-local
}

// NewStreamFeeder starts decode against the feeder's read side in its
// own goroutine and returns the feeder half driven by Feed/Close.
// decode's return value becomes Close's result.
func NewStreamFeeder(decode func(io.Reader) error) *StreamFeeder {
	f := &StreamFeeder{
		feedCh: make(chan []byte),
		idleCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go func() {
		f.err = decode(f)
		close(f.doneCh)
	}()
	return f
}

// ReadByte blocks until a byte fed by Feed is available, Close has been
// called (producing a genuine io.EOF), or the decode goroutine has
// already stopped.
func (f *StreamFeeder) ReadByte() (byte, error) {
	for len(f.pending) == 0 {
		select {
		case f.idleCh <- struct{}{}:
		default:
		}
		chunk, ok := <-f.feedCh
		if !ok {
			return 0, io.EOF
		}
		f.pending = chunk
	}
	b := f.pending[0]
	f.pending = f.pending[1:]
	return b, nil
}

// Read satisfies io.Reader so a StreamFeeder can be passed to
// xml.NewDecoder; Decoder never actually calls it once it sees
// StreamFeeder also implements io.ByteReader, but the method is kept so
// StreamFeeder is a drop-in reader for anything else that might need one.
func (f *StreamFeeder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := f.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

// Feed hands p to the decode goroutine and blocks until it has fully
// consumed (and dispatched every token derivable from) p, or until
// decode has already stopped — in which case Feed returns decode's
// final error, matching the old synchronous-error-from-Feed contract.
func (f *StreamFeeder) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	select {
	case <-f.idleCh:
	default:
	}
	select {
	case f.feedCh <- p:
	case <-f.doneCh:
		return f.err
	}
	select {
	case <-f.idleCh:
		return nil
	case <-f.doneCh:
		return f.err
	}
}

// Close signals end of input and waits for the decode goroutine to
// finish, returning its final error.
func (f *StreamFeeder) Close() error {
	close(f.feedCh)
	<-f.doneCh
	return f.err
}
