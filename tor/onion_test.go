package tor

import (
	"strings"
	"testing"
)

func TestOnionFromKeyZeroSeed(t *testing.T) {
	seed := make([]byte, 32)
	onion, err := NewOnionFromKey(seed)
	if err != nil {
		t.Fatalf("NewOnionFromKey: %v", err)
	}
	if onion.KeyType != "ED25519-V3" {
		t.Fatalf("KeyType = %q", onion.KeyType)
	}
	want := "pg6mmjiyjmcrsslvykfwnntlaru7ps5cfed5lgnpykutgrhppjkiyid"
	if onion.ID != want {
		t.Fatalf("ID = %q, want %q", onion.ID, want)
	}
	if len(onion.ID) != 56 {
		t.Fatalf("ID length = %d, want 56", len(onion.ID))
	}
	if strings.ToLower(onion.ID) != onion.ID {
		t.Fatal("ID must be lowercase")
	}
}

func TestOnionInvalidSeedLength(t *testing.T) {
	_, err := NewOnionFromKey(make([]byte, 16))
	if err != ErrOnionInvalidSeed {
		t.Fatalf("err = %v, want ErrOnionInvalidSeed", err)
	}
}

func TestOnionAddPortValidation(t *testing.T) {
	o := NewRandomOnion()
	if err := o.AddPort(0, "127.0.0.1:80"); err != ErrOnionInvalidPort {
		t.Fatalf("err = %v, want ErrOnionInvalidPort", err)
	}
	if err := o.AddPort(65536, "127.0.0.1:80"); err != ErrOnionInvalidPort {
		t.Fatalf("err = %v, want ErrOnionInvalidPort", err)
	}
	if err := o.AddPort(80, "127.0.0.1:8080"); err != nil {
		t.Fatalf("AddPort: %v", err)
	}
}

func TestAddOnionCommandOrdering(t *testing.T) {
	o := NewRandomOnion()
	_ = o.AddPort(443, "127.0.0.1:8443")
	_ = o.AddPort(80, "127.0.0.1:8080")
	got := o.addOnionCommand()
	want := "ADD_ONION NEW:BEST Port=80,127.0.0.1:8080 Port=443,127.0.0.1:8443"
	if got != want {
		t.Fatalf("addOnionCommand() = %q, want %q", got, want)
	}
}

func TestOnionRegistry(t *testing.T) {
	reg := newOnionRegistry()
	o := &Onion{ID: "abc"}
	reg.put(o)
	got, ok := reg.Get("abc")
	if !ok || got != o {
		t.Fatal("expected registered onion to be retrievable")
	}
	reg.remove("abc")
	if _, ok := reg.Get("abc"); ok {
		t.Fatal("expected onion to be gone after remove")
	}
}
