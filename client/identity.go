package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gridtalk/internal/auth"
)

// appDir is the per-user configuration directory under $HOME.
const appDir = ".gridtalk"

// Identity is the client's Ed25519 keypair, persisted as hex in
// identity.json.
type Identity struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

type identityFile struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// identityPath returns the path of the main identity file.
func identityPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDir, "identity.json"), nil
}

// botIdentityPath returns the identity file path for a named bot client,
// so scripted bots keep identities separate from the interactive client.
func botIdentityPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDir, "bots", name, "identity.json"), nil
}

// loadOrCreateIdentity loads the identity at path, generating and saving a
// fresh keypair if the file is missing or corrupt.
func loadOrCreateIdentity(path string) (Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id, err := parseIdentity(data); err == nil {
			return id, nil
		}
		// Corrupt file: fall through and regenerate.
	}

	priv, pub, err := auth.GenerateKeypair()
	if err != nil {
		return Identity{}, err
	}
	id := Identity{PrivateKey: priv, PublicKey: pub}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Identity{}, err
	}
	data, err := json.MarshalIndent(identityFile{
		PrivateKey: hex.EncodeToString(priv[:]),
		PublicKey:  hex.EncodeToString(pub[:]),
	}, "", "  ")
	if err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func parseIdentity(data []byte) (Identity, error) {
	var raw identityFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Identity{}, err
	}
	priv, err := hex.DecodeString(raw.PrivateKey)
	if err != nil || len(priv) != 32 {
		return Identity{}, fmt.Errorf("bad private key")
	}
	pub, err := hex.DecodeString(raw.PublicKey)
	if err != nil || len(pub) != 32 {
		return Identity{}, fmt.Errorf("bad public key")
	}
	var id Identity
	copy(id.PrivateKey[:], priv)
	copy(id.PublicKey[:], pub)
	return id, nil
}
