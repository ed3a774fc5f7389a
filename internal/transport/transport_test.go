package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello frame")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q", got)
	}
}

func TestFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestFrameTruncatedBody(t *testing.T) {
	frame, err := EncodeFrame([]byte("truncate me"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	r := bytes.NewReader(frame[:len(frame)-3])
	if _, err := ReadFrame(r); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestMemLinkScanSeesAdverts(t *testing.T) {
	hub := NewMemHub()
	a := hub.NewLink("peer-a")
	b := hub.NewLink("peer-b")
	b.SetSignal(-42)
	if err := b.Advertise(context.Background(), []byte{0x07, 1, 2, 3, 4}); err != nil {
		t.Fatalf("Advertise: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen []Advertisement
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Scan(ctx, func(adv Advertisement) {
			mu.Lock()
			seen = append(seen, adv)
			mu.Unlock()
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scan never surfaced the advert")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	adv := seen[0]
	if adv.PeerID != "peer-b" {
		t.Fatalf("peer id: got %q", adv.PeerID)
	}
	if !adv.HasSignal || adv.Signal != -42 {
		t.Fatalf("signal: got %d, hasSignal=%v", adv.Signal, adv.HasSignal)
	}
	if !bytes.Equal(adv.Data, []byte{0x07, 1, 2, 3, 4}) {
		t.Fatalf("advert data mismatch: %v", adv.Data)
	}
}

func TestMemLinkConnectBidirectional(t *testing.T) {
	hub := NewMemHub()
	a := hub.NewLink("peer-a")
	b := hub.NewLink("peer-b")

	ctx := context.Background()
	conn, err := a.Connect(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var inbound Inbound
	select {
	case inbound = <-b.Accept():
	case <-time.After(time.Second):
		t.Fatal("no inbound connection")
	}
	if inbound.PeerID != "peer-a" {
		t.Fatalf("inbound peer: got %q", inbound.PeerID)
	}

	if err := conn.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case frame := <-inbound.Conn.Frames():
		if string(frame) != "ping" {
			t.Fatalf("frame: got %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}

	if err := inbound.Conn.Write(ctx, []byte("pong")); err != nil {
		t.Fatalf("Write back: %v", err)
	}
	select {
	case frame := <-conn.Frames():
		if string(frame) != "pong" {
			t.Fatalf("frame: got %q", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply frame received")
	}
}

func TestMemLinkConnectUnknownPeer(t *testing.T) {
	hub := NewMemHub()
	a := hub.NewLink("peer-a")
	if _, err := a.Connect(context.Background(), "nobody"); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}

func TestMemLinkClosedRejectsAdvertise(t *testing.T) {
	hub := NewMemHub()
	a := hub.NewLink("peer-a")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Advertise(context.Background(), []byte{1}); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestMemConnWriteAfterClose(t *testing.T) {
	hub := NewMemHub()
	a := hub.NewLink("peer-a")
	hub.NewLink("peer-b")
	conn, err := a.Connect(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = conn.Close()
	if err := conn.Write(context.Background(), []byte("x")); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}
