package tor

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func TestDecodeEventKnownType(t *testing.T) {
	reply := &Reply{Status: 650, Lines: []string{"CIRC 1000 BUILT $abc"}}
	ev, ok := decodeEvent(reply)
	if !ok {
		t.Fatal("expected known event type to decode")
	}
	circ, ok := ev.(*CircEvent)
	if !ok {
		t.Fatalf("got %T, want *CircEvent", ev)
	}
	if circ.ID != "1000" || circ.Status != "BUILT" {
		t.Fatalf("circ = %+v", circ)
	}
}

func TestDecodeEventUnknownType(t *testing.T) {
	reply := &Reply{Status: 650, Lines: []string{"SOME_FUTURE_EVENT a b c"}}
	_, ok := decodeEvent(reply)
	if ok {
		t.Fatal("expected unknown event type to be dropped")
	}
}

// mockServer drives the server side of a net.Pipe() connection, answering
// commands with a canned reply.
type mockServer struct {
	conn *bufio.ReadWriter
	raw  net.Conn
}

func newMockServer(conn net.Conn) *mockServer {
	return &mockServer{
		conn: bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		raw:  conn,
	}
}

func (m *mockServer) expectCommand(t *testing.T, want string) {
	t.Helper()
	line, err := m.conn.ReadString('\n')
	if err != nil {
		t.Fatalf("reading command: %v", err)
	}
	got := trimCRLF(line)
	if got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
}

func (m *mockServer) reply(s string) {
	m.conn.WriteString(s)
	m.conn.Flush()
}

func TestEventBusSetEventsDiffing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	srv := newMockServer(server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.expectCommand(t, "SETEVENTS CIRC")
		srv.reply("250 OK\r\n")
		srv.expectCommand(t, "SETEVENTS CIRC STREAM")
		srv.reply("250 OK\r\n")
		srv.expectCommand(t, "SETEVENTS STREAM")
		srv.reply("250 OK\r\n")
	}()

	sess := newSession(client)
	bus := newEventBus(sess)
	defer bus.close()

	var circListener Listener = func(Event) error { return nil }
	var streamListener Listener = func(Event) error { return nil }

	if err := bus.On("CIRC", circListener); err != nil {
		t.Fatalf("On CIRC: %v", err)
	}
	if err := bus.On("STREAM", streamListener); err != nil {
		t.Fatalf("On STREAM: %v", err)
	}
	if err := bus.Off("CIRC", circListener); err != nil {
		t.Fatalf("Off CIRC: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mock server exchange")
	}
}

func TestEventBusDispatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := newSession(client)
	bus := newEventBus(sess)
	defer bus.close()

	received := make(chan *CircEvent, 1)

	go func() {
		srv := newMockServer(server)
		srv.expectCommand(t, "SETEVENTS CIRC")
		srv.reply("250 OK\r\n")
		srv.reply("650 CIRC 1000 BUILT $abc\r\n")
	}()

	err := bus.On("CIRC", func(ev Event) error {
		received <- ev.(*CircEvent)
		return nil
	})
	if err != nil {
		t.Fatalf("On: %v", err)
	}

	select {
	case ev := <-received:
		if ev.ID != "1000" {
			t.Fatalf("ev.ID = %q", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}
