// Package sshkey validates the bot's SSH identity file at startup.
//
// The worktree never consults ambient ssh-agent or ~/.ssh; the sole
// identity is the key file passed in at construction, so a bad key
// must fail fast and loud rather than surface as a confusing git push
// error three states into a merge.
package sshkey

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Identity is a validated, parsed SSH private key.
type Identity struct {
	Path        string
	Fingerprint string
	Signer      ssh.Signer
}

// Load reads and parses the private key file at path. It is the
// fatal-auth-error path for a bad or unreadable key (exit code 2).
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", path, err)
	}

	return &Identity{
		Path:        path,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		Signer:      signer,
	}, nil
}
