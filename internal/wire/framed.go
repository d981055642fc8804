package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// FramedChannel serializes the message catalogue over an
// io.ReadWriteCloser: a 4-byte big-endian length prefix, then a
// 4-byte Kind tag, then the XDR encoding of that Kind's wire struct
// (github.com/rasky/go-xdr, the same library dittofs's mount handlers
// use for RFC 1813 framing).
//
// HTTPIni.Stream cannot cross an XDR encoding — it is a live
// io.ReadCloser, not data. Fd-passing the underlying descriptor is an
// external-collaborator concern outside this worker's scope, so
// FramedChannel approximates it: the stream is kept in a local table
// keyed by session id and only the id crosses the wire. The stream
// therefore arrives only when the sending and receiving side use the
// same FramedChannel value; two FramedChannels on either end of a
// net.Pipe or socket do not share the table, and the receiver gets an
// HTTPIni with a nil Stream. This is the seam where real fd-passing
// would be added.
type FramedChannel struct {
	rw io.ReadWriteCloser

	mu      sync.Mutex
	streams map[uint64]io.ReadCloser
}

// NewFramedChannel wraps rw. Both WorkerSide and ParentSide methods may
// be called on the result; callers use only the half appropriate to
// their role.
func NewFramedChannel(rw io.ReadWriteCloser) *FramedChannel {
	return &FramedChannel{rw: rw, streams: make(map[uint64]io.ReadCloser)}
}

func (f *FramedChannel) Close() error { return f.rw.Close() }

func (f *FramedChannel) writeFrame(kind Kind, payload any) error {
	var body bytes.Buffer
	if _, err := xdr.Marshal(&body, uint32(kind)); err != nil {
		return fmt.Errorf("wire: marshal kind: %w", err)
	}
	if _, err := xdr.Marshal(&body, payload); err != nil {
		return fmt.Errorf("wire: marshal %s payload: %w", kind, err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := f.rw.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := f.rw.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

func (f *FramedChannel) readFrame() (Kind, []byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(f.rw, lenPrefix[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(f.rw, body); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	r := bytes.NewReader(body)
	var kind uint32
	if _, err := xdr.Unmarshal(r, &kind); err != nil {
		return 0, nil, fmt.Errorf("wire: unmarshal kind: %w", err)
	}
	rest := body[len(body)-r.Len():]
	return Kind(kind), rest, nil
}

// ---- parent -> worker ----

type xdrStart struct {
	ID                uint64
	LocalPath         string
	NotifyURI         string
	PriorSessionID    string
	PriorSerial       uint64
	PriorLastModified string
}

type xdrHTTPIni struct{ ID uint64 }

type xdrHTTPFin struct {
	ID           uint64
	Status       int32
	LastModified string
}

type xdrFileAck struct {
	ID uint64
	OK int32
}

// SendToWorker implements ParentSide.
func (f *FramedChannel) SendToWorker(msg any) error {
	switch m := msg.(type) {
	case Start:
		return f.writeFrame(KindStart, xdrStart(m))
	case HTTPIni:
		f.mu.Lock()
		f.streams[m.ID] = m.Stream
		f.mu.Unlock()
		return f.writeFrame(KindHTTPIni, xdrHTTPIni{ID: m.ID})
	case HTTPFin:
		return f.writeFrame(KindHTTPFin, xdrHTTPFin(m))
	case FileAck:
		return f.writeFrame(KindFileAck, xdrFileAck(m))
	default:
		return fmt.Errorf("wire: %T is not a parent->worker message", msg)
	}
}

// RecvToWorker implements WorkerSide.
func (f *FramedChannel) RecvToWorker() (any, error) {
	kind, body, err := f.readFrame()
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(body)
	switch kind {
	case KindStart:
		var m xdrStart
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		return Start(m), nil
	case KindHTTPIni:
		var m xdrHTTPIni
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		f.mu.Lock()
		stream := f.streams[m.ID]
		delete(f.streams, m.ID)
		f.mu.Unlock()
		return HTTPIni{ID: m.ID, Stream: stream}, nil
	case KindHTTPFin:
		var m xdrHTTPFin
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		return HTTPFin(m), nil
	case KindFileAck:
		var m xdrFileAck
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		return FileAck(m), nil
	default:
		return nil, fmt.Errorf("wire: unexpected kind %s on parent->worker stream", kind)
	}
}

// ---- worker -> parent ----

type xdrHTTPReq struct {
	ID              uint64
	URI             string
	IfModifiedSince string
}

type xdrFile struct {
	ID      uint64
	Type    uint32
	HasHash uint32
	Hash    [32]byte
	URI     string
	Data    []byte
}

type xdrSession struct {
	ID           uint64
	SessionID    string
	Serial       uint64
	LastModified string
}

type xdrEnd struct {
	ID uint64
	OK int32
}

// SendToParent implements WorkerSide.
func (f *FramedChannel) SendToParent(msg any) error {
	switch m := msg.(type) {
	case HTTPReq:
		return f.writeFrame(KindHTTPReq, xdrHTTPReq(m))
	case File:
		wm := xdrFile{ID: m.ID, Type: uint32(m.Type), URI: m.URI, Data: m.Data}
		if m.ExpectedHash != nil {
			wm.HasHash = 1
			wm.Hash = *m.ExpectedHash
		}
		return f.writeFrame(KindFile, wm)
	case Session:
		return f.writeFrame(KindSession, xdrSession(m))
	case End:
		return f.writeFrame(KindEnd, xdrEnd(m))
	default:
		return fmt.Errorf("wire: %T is not a worker->parent message", msg)
	}
}

// RecvFromWorker implements ParentSide.
func (f *FramedChannel) RecvFromWorker() (any, error) {
	kind, body, err := f.readFrame()
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(body)
	switch kind {
	case KindHTTPReq:
		var m xdrHTTPReq
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		return HTTPReq(m), nil
	case KindFile:
		var m xdrFile
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		fe := File{ID: m.ID, Type: FileType(m.Type), URI: m.URI, Data: m.Data}
		if m.HasHash != 0 {
			hash := m.Hash
			fe.ExpectedHash = &hash
		}
		return fe, nil
	case KindSession:
		var m xdrSession
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		return Session(m), nil
	case KindEnd:
		var m xdrEnd
		if _, err := xdr.Unmarshal(r, &m); err != nil {
			return nil, err
		}
		return End(m), nil
	default:
		return nil, fmt.Errorf("wire: unexpected kind %s on worker->parent stream", kind)
	}
}
