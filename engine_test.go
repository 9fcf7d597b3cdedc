package mdns

import (
	"context"
	"net"
	"testing"
)

// stubSocket records every outgoing message for inspection and never
// actually touches the network.
type stubSocket struct {
	sent [][]byte
}

func (s *stubSocket) Send(data []byte) error                  { s.sent = append(s.sent, data); return nil }
func (s *stubSocket) SendTo(data []byte, _ *net.UDPAddr) error { s.sent = append(s.sent, data); return nil }
func (s *stubSocket) Recv(ctx context.Context) ([]byte, int, *net.UDPAddr, error) {
	<-ctx.Done()
	return nil, 0, nil, ctx.Err()
}
func (s *stubSocket) MaxPayload() int         { return defaultUDPPayload }
func (s *stubSocket) Close() error            { return nil }
func (s *stubSocket) Rebind() (Socket, error) { return &stubSocket{}, nil }

func newTestEngine() (*Engine, *stubSocket) {
	sock := &stubSocket{}
	return newEngine(defaultTTL, []Socket{sock}), sock
}

func TestHandleQueryAnswersOwnedRecord(t *testing.T) {
	e, sock := newTestEngine()
	host := newHostDescriptor("foo", net.ParseIP("10.0.0.1"), nil)
	e.addHost(host)

	msg := &Message{
		Header:    Header{Flags: 0},
		Questions: []Question{{Name: "foo.local.", Type: TypeA, Class: ClassIN}},
	}
	e.handleQuery(msg, nil)

	if len(sock.sent) != 1 {
		t.Fatalf("expected one response datagram, got %d", len(sock.sent))
	}
	resp, err := DecodeMessage(sock.sent[0], defaultUDPPayload)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].Type != TypeA {
		t.Fatalf("expected a single A answer, got %+v", resp.Answers)
	}
}

func TestHandleQueryKnownAnswerSuppression(t *testing.T) {
	e, sock := newTestEngine()
	host := newHostDescriptor("foo", net.ParseIP("10.0.0.1"), nil)
	e.addHost(host)

	fresh := newA("foo.local.", "10.0.0.1", defaultTTL, true, nowMillis())
	msg := &Message{
		Header:    Header{Flags: 0},
		Questions: []Question{{Name: "foo.local.", Type: TypeA, Class: ClassIN}},
		Answers:   []*Record{fresh},
	}
	e.handleQuery(msg, nil)

	if len(sock.sent) != 0 {
		t.Fatalf("expected known-answer suppression to suppress the response, got %d datagrams", len(sock.sent))
	}
}

func TestHandleResponseConflictLoserRenames(t *testing.T) {
	e, _ := newTestEngine()
	host := newHostDescriptor("foo", net.ParseIP("192.168.1.5"), nil)
	e.addHost(host)

	conflicting := newA("foo.local.", "192.168.1.9", defaultTTL, true, 0)
	e.handleResponse(&Message{Header: Header{Flags: flagResponse}, Answers: []*Record{conflicting}})

	if host.Name != "foo-2.local." {
		t.Fatalf("expected host to rename after losing tie-break, got %q", host.Name)
	}
	if host.State() != StateProbing1 {
		t.Fatalf("expected host to revert to probing-1 after conflict, got %s", host.State())
	}
}

func TestHandleResponseNoConflictOnIdenticalValue(t *testing.T) {
	e, _ := newTestEngine()
	host := newHostDescriptor("foo", net.ParseIP("192.168.1.5"), nil)
	e.addHost(host)
	host.stateMachine().Advance() // probing-2: still not announced

	identical := newA("foo.local.", "192.168.1.5", defaultTTL, true, 0)
	e.handleResponse(&Message{Header: Header{Flags: flagResponse}, Answers: []*Record{identical}})

	if host.Name != "foo.local." {
		t.Fatalf("expected no rename on identical-value response, got %q", host.Name)
	}
}

func TestHandleQueryAuthoritySectionConflictLoserRenames(t *testing.T) {
	e, _ := newTestEngine()
	host := newHostDescriptor("foo", net.ParseIP("192.168.1.5"), nil)
	e.addHost(host)

	probing := newA("foo.local.", "192.168.1.9", defaultTTL, true, 0)
	msg := &Message{
		Header:      Header{Flags: 0},
		Questions:   []Question{{Name: "foo.local.", Type: TypeANY, Class: ClassIN, Unique: true}},
		Authorities: []*Record{probing},
	}
	e.handleQuery(msg, nil)

	if host.Name != "foo-2.local." {
		t.Fatalf("expected host to rename after losing an authority-section tie-break, got %q", host.Name)
	}
	if host.State() != StateProbing1 {
		t.Fatalf("expected host to revert to probing-1 after conflict, got %s", host.State())
	}
}

func TestGoodbyeCacheRemoval(t *testing.T) {
	e, _ := newTestEngine()
	e.cache.Put(newA("remote.local.", "10.0.0.9", defaultTTL, true, 0))

	goodbye := newA("remote.local.", "10.0.0.9", goodbyeTTL, true, 0)
	e.handleResponse(&Message{Header: Header{Flags: flagResponse}, Answers: []*Record{goodbye}})

	if e.cache.Get("remote.local.", TypeA, ClassIN) != nil {
		t.Fatal("expected goodbye to remove the cached record")
	}
}
