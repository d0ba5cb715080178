// Package sshkey turns in-memory private keys into go-git SSH auth methods.
// Keys never touch the filesystem.
package sshkey

import (
	"errors"
	"fmt"
	"strings"

	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	cryptossh "golang.org/x/crypto/ssh"
)

// DefaultUser is the ssh user for git hosts.
const DefaultUser = "git"

var (
	ErrEmptyKey           = errors.New("sshkey: private key is empty")
	ErrPassphraseRequired = errors.New("sshkey: private key is passphrase protected")
)

// Loader builds signing material with a fixed host key policy.
type Loader struct {
	hostKeys cryptossh.HostKeyCallback
}

// NewLoader verifies host keys against knownHosts files when provided and
// accepts any host key otherwise.
func NewLoader(knownHosts ...string) (*Loader, error) {
	files := make([]string, 0, len(knownHosts))
	for _, f := range knownHosts {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return &Loader{hostKeys: cryptossh.InsecureIgnoreHostKey()}, nil
	}
	cb, err := gitssh.NewKnownHostsCallback(files...)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return &Loader{hostKeys: cb}, nil
}

// Load parses privateKey, decrypting it with passphrase when needed.
func (l *Loader) Load(user string, privateKey []byte, passphrase string) (*gitssh.PublicKeys, error) {
	if len(strings.TrimSpace(string(privateKey))) == 0 {
		return nil, ErrEmptyKey
	}
	if user == "" {
		user = DefaultUser
	}
	signer, err := parse(privateKey, passphrase)
	if err != nil {
		return nil, err
	}
	auth := &gitssh.PublicKeys{User: user, Signer: signer}
	auth.HostKeyCallback = l.hostKeys
	return auth, nil
}

func parse(key []byte, passphrase string) (cryptossh.Signer, error) {
	signer, err := cryptossh.ParsePrivateKey(key)
	if err == nil {
		return signer, nil
	}
	var missing *cryptossh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	signer, err = cryptossh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return signer, nil
}
