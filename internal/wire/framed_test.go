package wire

import (
	"net"
	"testing"
)

func pipeChannels() (*FramedChannel, *FramedChannel) {
	a, b := net.Pipe()
	return NewFramedChannel(a), NewFramedChannel(b)
}

func TestFramedChannelRoundTripsStart(t *testing.T) {
	parentSide, workerSide := pipeChannels()
	defer parentSide.Close()
	defer workerSide.Close()

	want := Start{
		ID:                3,
		LocalPath:         "/var/rrdp/ripe",
		NotifyURI:         "https://rrdp.ripe.net/notification.xml",
		PriorSessionID:    "A",
		PriorSerial:       10,
		PriorLastModified: "Mon, 01 Jan 2024 00:00:00 GMT",
	}

	done := make(chan error, 1)
	go func() { done <- parentSide.SendToWorker(want) }()

	got, err := workerSide.RecvToWorker()
	if err != nil {
		t.Fatalf("RecvToWorker: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendToWorker: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFramedChannelRoundTripsFileWithHash(t *testing.T) {
	parentSide, workerSide := pipeChannels()
	defer parentSide.Close()
	defer workerSide.Close()

	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	want := File{ID: 3, Type: FileUpdate, ExpectedHash: &hash, URI: "rsync://example/obj.cer", Data: []byte("payload")}

	done := make(chan error, 1)
	go func() { done <- workerSide.SendToParent(want) }()

	got, err := parentSide.RecvFromWorker()
	if err != nil {
		t.Fatalf("RecvFromWorker: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendToParent: %v", err)
	}
	gotFile, ok := got.(File)
	if !ok {
		t.Fatalf("expected File, got %T", got)
	}
	if gotFile.ID != want.ID || gotFile.Type != want.Type || gotFile.URI != want.URI || string(gotFile.Data) != string(want.Data) {
		t.Fatalf("got %+v, want %+v", gotFile, want)
	}
	if gotFile.ExpectedHash == nil || *gotFile.ExpectedHash != hash {
		t.Fatalf("expected hash %x, got %v", hash, gotFile.ExpectedHash)
	}
}

func TestFramedChannelRoundTripsFileWithoutHash(t *testing.T) {
	parentSide, workerSide := pipeChannels()
	defer parentSide.Close()
	defer workerSide.Close()

	want := File{ID: 3, Type: FileAdd, URI: "rsync://example/obj.cer", Data: []byte("payload")}

	done := make(chan error, 1)
	go func() { done <- workerSide.SendToParent(want) }()

	got, err := parentSide.RecvFromWorker()
	if err != nil {
		t.Fatalf("RecvFromWorker: %v", err)
	}
	<-done
	gotFile := got.(File)
	if gotFile.ExpectedHash != nil {
		t.Fatalf("expected no hash, got %v", gotFile.ExpectedHash)
	}
}

func TestFramedChannelRoundTripsEnd(t *testing.T) {
	parentSide, workerSide := pipeChannels()
	defer parentSide.Close()
	defer workerSide.Close()

	want := End{ID: 9, OK: 1}
	done := make(chan error, 1)
	go func() { done <- workerSide.SendToParent(want) }()

	got, err := parentSide.RecvFromWorker()
	if err != nil {
		t.Fatalf("RecvFromWorker: %v", err)
	}
	<-done
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
