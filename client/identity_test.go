package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	id, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id.PublicKey == ([32]byte{}) {
		t.Error("empty public key generated")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("identity file not written")
	}
}

func TestLoadOrCreateIdentityStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	first, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first != second {
		t.Error("identity changed across loads")
	}
}

func TestLoadOrCreateIdentityRegeneratesCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{bad json"), 0o600); err != nil {
		t.Fatal(err)
	}
	id, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if id.PublicKey == ([32]byte{}) {
		t.Error("empty key after regeneration")
	}
}

func TestParseIdentityRejectsShortKeys(t *testing.T) {
	if _, err := parseIdentity([]byte(`{"private_key": "abcd", "public_key": "abcd"}`)); err == nil {
		t.Error("short keys accepted")
	}
}
