package tor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestController bootstraps a Controller over a net.Pipe(), with
// serverScript playing the Tor side of the PROTOCOLINFO handshake and
// whatever exchanges the test needs afterward.
func newTestController(t *testing.T, serverScript func(*mockServer)) (*Controller, func()) {
	t.Helper()
	client, server := net.Pipe()
	c := &Controller{addr: "test", Onions: newOnionRegistry()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		serverScript(newMockServer(server))
	}()

	if err := c.bootstrap(client); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	cleanup := func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("server script did not complete")
		}
		_ = c.Close()
		_ = client.Close()
		_ = server.Close()
	}
	return c, cleanup
}

func protocolInfoScript(t *testing.T, methods, cookieFile string) func(*mockServer) {
	return func(srv *mockServer) {
		srv.expectCommand(t, "PROTOCOLINFO 1")
		line := "250-AUTH METHODS=" + methods
		if cookieFile != "" {
			line += " COOKIEFILE=\"" + cookieFile + "\""
		}
		srv.reply("250-PROTOCOLINFO 1\r\n" + line + "\r\n250 OK\r\n")
	}
}

func TestControllerConnectAndAuthenticateNull(t *testing.T) {
	c, cleanup := newTestController(t, func(srv *mockServer) {
		protocolInfoScript(t, "NULL", "")(srv)
		srv.expectCommand(t, "AUTHENTICATE")
		srv.reply("250 OK\r\n")
	})
	defer cleanup()

	if err := c.Authenticate(""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !c.authed {
		t.Fatal("expected authed = true")
	}
}

func TestControllerAuthenticateUnavailable(t *testing.T) {
	c, cleanup := newTestController(t, protocolInfoScript(t, "HASHEDPASSWORD", ""))
	defer cleanup()

	if err := c.Authenticate(""); err != ErrAuthUnavailable {
		t.Fatalf("err = %v, want ErrAuthUnavailable", err)
	}
}

func TestControllerGetInfo(t *testing.T) {
	c, cleanup := newTestController(t, func(srv *mockServer) {
		protocolInfoScript(t, "NULL", "")(srv)
		srv.expectCommand(t, "AUTHENTICATE")
		srv.reply("250 OK\r\n")
		srv.expectCommand(t, "GETINFO version")
		srv.reply("250-version=0.4.7.13\r\n250 OK\r\n")
	})
	defer cleanup()

	if err := c.Authenticate(""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	v, err := c.GetInfo("version")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if v != "0.4.7.13" {
		t.Fatalf("version = %q", v)
	}
}

func TestControllerSafeCookieMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	cookiePath := filepath.Join(dir, "control.authcookie")
	if err := os.WriteFile(cookiePath, make([]byte, 32), 0o600); err != nil {
		t.Fatalf("writing cookie file: %v", err)
	}

	c, cleanup := newTestController(t, func(srv *mockServer) {
		protocolInfoScript(t, "SAFECOOKIE", cookiePath)(srv)
		srv.expectCommandPrefix(t, "AUTHCHALLENGE SAFECOOKIE ")
		// SERVERHASH deliberately wrong: the controller must reject it
		// without ever sending AUTHENTICATE.
		srv.reply("250 AUTHCHALLENGE SERVERHASH=" + strings.Repeat("ab", 32) +
			" SERVERNONCE=" + strings.Repeat("ab", 32) + "\r\n")
	})
	defer cleanup()

	if err := c.Authenticate(""); err == nil {
		t.Fatal("expected SAFECOOKIE authentication to fail on hash mismatch")
	}
}

func TestControllerAddOnionAndDelOnion(t *testing.T) {
	c, cleanup := newTestController(t, func(srv *mockServer) {
		protocolInfoScript(t, "NULL", "")(srv)
		srv.expectCommand(t, "AUTHENTICATE")
		srv.reply("250 OK\r\n")
		srv.expectCommand(t, "ADD_ONION NEW:BEST Port=80,127.0.0.1:8080")
		srv.reply("250-ServiceID=pg6mmjiyjmcrsslvykfwnntlaru7ps5cfed5lgnpykutgrhppjkiyid\r\n250 OK\r\n")
		srv.expectCommand(t, "DEL_ONION pg6mmjiyjmcrsslvykfwnntlaru7ps5cfed5lgnpykutgrhppjkiyid")
		srv.reply("250 OK\r\n")
	})
	defer cleanup()

	if err := c.Authenticate(""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	onion := NewRandomOnion()
	if err := onion.AddPort(80, "127.0.0.1:8080"); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.AddOnion(ctx, onion, false); err != nil {
		t.Fatalf("AddOnion: %v", err)
	}
	if _, ok := c.Onions.Get(onion.ID); !ok {
		t.Fatal("expected onion to be registered")
	}
	if err := c.DelOnion(onion); err != nil {
		t.Fatalf("DelOnion: %v", err)
	}
	if _, ok := c.Onions.Get(onion.ID); ok {
		t.Fatal("expected onion to be removed from registry")
	}
}

func TestControllerAddOnionWithWait(t *testing.T) {
	const id = "pg6mmjiyjmcrsslvykfwnntlaru7ps5cfed5lgnpykutgrhppjkiyid"
	c, cleanup := newTestController(t, func(srv *mockServer) {
		protocolInfoScript(t, "NULL", "")(srv)
		srv.expectCommand(t, "AUTHENTICATE")
		srv.reply("250 OK\r\n")
		srv.expectCommand(t, "ADD_ONION NEW:BEST Port=80,127.0.0.1:8080")
		srv.reply("250-ServiceID=" + id + "\r\n250 OK\r\n")
		srv.expectCommand(t, "SETEVENTS HS_DESC")
		srv.reply("250 OK\r\n")
		srv.reply("650 HS_DESC UPLOADED " + id + " NO_AUTH somedir\r\n")
		// removing the one-shot HS_DESC listener clears the event set
		srv.expectCommand(t, "SETEVENTS ")
		srv.reply("250 OK\r\n")
	})
	defer cleanup()

	if err := c.Authenticate(""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	onion := NewRandomOnion()
	if err := onion.AddPort(80, "127.0.0.1:8080"); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.AddOnion(ctx, onion, true); err != nil {
		t.Fatalf("AddOnion(wait=true): %v", err)
	}
	if onion.ID != id {
		t.Fatalf("onion.ID = %q, want %q", onion.ID, id)
	}
	if _, ok := c.Onions.Get(onion.ID); !ok {
		t.Fatal("expected onion to be registered")
	}
}

func (m *mockServer) expectCommandPrefix(t *testing.T, prefix string) string {
	t.Helper()
	line, err := m.conn.ReadString('\n')
	if err != nil {
		t.Fatalf("reading command: %v", err)
	}
	got := trimCRLF(line)
	if len(got) < len(prefix) || got[:len(prefix)] != prefix {
		t.Fatalf("command = %q, want prefix %q", got, prefix)
	}
	return got
}
