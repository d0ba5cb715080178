package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"testing"

	cryptossh "golang.org/x/crypto/ssh"
)

func newKey(t *testing.T, passphrase string) ([]byte, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = cryptossh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = cryptossh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(block), pub
}

func TestLoadPlainKey(t *testing.T) {
	key, pub := newKey(t, "")
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	auth, err := l.Load("", key, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if auth.User != DefaultUser {
		t.Fatalf("expected default user, got %q", auth.User)
	}
	want, _ := cryptossh.NewPublicKey(pub)
	if string(auth.Signer.PublicKey().Marshal()) != string(want.Marshal()) {
		t.Fatalf("signer does not match generated key")
	}
	if auth.HostKeyCallback == nil {
		t.Fatalf("expected host key callback to be set")
	}
}

func TestLoadEncryptedKey(t *testing.T) {
	key, _ := newKey(t, "s3cret")
	l, _ := NewLoader()

	if _, err := l.Load("git", key, ""); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, err := l.Load("git", key, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	if _, err := l.Load("git", key, "s3cret"); err != nil {
		t.Fatalf("expected passphrase to unlock key, got %v", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	l, _ := NewLoader()
	if _, err := l.Load("git", nil, ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := l.Load("git", []byte("not a key"), ""); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestNewLoaderMissingKnownHosts(t *testing.T) {
	if _, err := NewLoader("/nonexistent/known_hosts"); err == nil {
		t.Fatalf("expected error for missing known_hosts file")
	}
}
