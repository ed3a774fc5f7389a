package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestDevTLSDeterministic(t *testing.T) {
	_, der1, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	_, der2, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	if !bytes.Equal(der1, der2) {
		t.Fatal("dev certificate is not deterministic")
	}
}

func TestTLSConfigsCarryALPN(t *testing.T) {
	srv, err := serverTLSConfig()
	if err != nil {
		t.Fatalf("serverTLSConfig: %v", err)
	}
	cli, err := clientTLSConfig()
	if err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
	if len(srv.NextProtos) != 1 || srv.NextProtos[0] != quicALPN {
		t.Fatalf("server ALPN: %v", srv.NextProtos)
	}
	if len(cli.NextProtos) != 1 || cli.NextProtos[0] != quicALPN {
		t.Fatalf("client ALPN: %v", cli.NextProtos)
	}
}

func TestQUICLoopbackConnect(t *testing.T) {
	server := NewQUICLink("127.0.0.1:0", QUICOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Advertise(ctx, []byte{0x06, 1, 2, 3, 4}); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	go func() { _ = server.Start(ctx) }()
	select {
	case state := <-server.States():
		if state != StateReady {
			t.Fatalf("state: %v", state)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener never became ready")
	}

	client := NewQUICLink("127.0.0.1:1", QUICOptions{})
	conn, err := client.Connect(ctx, server.Addr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	var inbound Inbound
	select {
	case inbound = <-server.Accept():
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound connection")
	}

	if err := conn.Write(ctx, []byte("over quic")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case frame := <-inbound.Conn.Frames():
		if string(frame) != "over quic" {
			t.Fatalf("frame: %q", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
	}

	if err := inbound.Conn.Write(ctx, []byte("echo")); err != nil {
		t.Fatalf("Write back: %v", err)
	}
	select {
	case frame := <-conn.Frames():
		if string(frame) != "echo" {
			t.Fatalf("frame: %q", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply frame")
	}
}

func TestQUICProbeReturnsAdvert(t *testing.T) {
	server := NewQUICLink("127.0.0.1:0", QUICOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Advertise(ctx, []byte{0x07, 9, 9, 9, 9}); err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	go func() { _ = server.Start(ctx) }()
	<-server.States()

	client := NewQUICLink("127.0.0.1:1", QUICOptions{})
	adv, err := client.probe(ctx, server.Addr())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !bytes.Equal(adv, []byte{0x07, 9, 9, 9, 9}) {
		t.Fatalf("advert: %v", adv)
	}
}
