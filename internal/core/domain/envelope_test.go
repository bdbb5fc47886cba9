package domain

import (
	"bytes"
	"testing"
)

func TestDecodeKeepsRaw(t *testing.T) {
	wire := []byte(`{"janus":"server_info","transaction":"tok-1","version":1234,"name":"Janus"}`)

	env, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Janus != KindServerInfo {
		t.Fatalf("janus = %q, want %q", env.Janus, KindServerInfo)
	}
	if env.Transaction != "tok-1" {
		t.Fatalf("transaction = %q, want tok-1", env.Transaction)
	}
	if !bytes.Equal(env.Raw, wire) {
		t.Fatalf("raw bytes not preserved")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{"janus":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOwnerHandlePrefersSender(t *testing.T) {
	env := Envelope{Sender: 5, HandleID: 9}
	if got := env.OwnerHandle(); got != 5 {
		t.Fatalf("owner = %d, want sender 5", got)
	}

	env = Envelope{HandleID: 9}
	if got := env.OwnerHandle(); got != 9 {
		t.Fatalf("owner = %d, want handle_id 9", got)
	}

	env = Envelope{}
	if got := env.OwnerHandle(); got != 0 {
		t.Fatalf("owner = %d, want 0", got)
	}
}
