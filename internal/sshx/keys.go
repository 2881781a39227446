// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package sshx

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/ssh"
)

// KeyType selects the algorithm for GenerateKey.
type KeyType string

// Supported key types.
const (
	KeyEd25519 KeyType = "ed25519"
	KeyRSA     KeyType = "rsa"
)

// RSABits is the modulus size for generated RSA keys.
const RSABits = 3072

// CodeKeyExists is returned when GenerateKey would overwrite a key.
const CodeKeyExists = "KEY_EXISTS"

// GeneratedKey describes a key pair written by GenerateKey.
type GeneratedKey struct {
	PrivatePath   string
	PublicPath    string
	Fingerprint   string
	AuthorizedKey string
}

// GenerateKey writes a new OpenSSH-format private key to path (mode 0600)
// and its public half to path+".pub". Existing files are never overwritten.
// An empty passphrase leaves the private key unencrypted.
func GenerateKey(kind KeyType, path, comment string, passphrase []byte) (GeneratedKey, error) {
	var (
		priv crypto.PrivateKey
		pub  crypto.PublicKey
	)
	switch kind {
	case KeyEd25519, "":
		p, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return GeneratedKey{}, oops.In("sshx").Wrapf(err, "generate ed25519 key")
		}
		pub, priv = p, k
	case KeyRSA:
		k, err := rsa.GenerateKey(rand.Reader, RSABits)
		if err != nil {
			return GeneratedKey{}, oops.In("sshx").Wrapf(err, "generate rsa key")
		}
		pub, priv = &k.PublicKey, k
	default:
		return GeneratedKey{}, oops.In("sshx").Errorf("unsupported key type %q (want ed25519 or rsa)", kind)
	}

	var (
		block *pem.Block
		err   error
	)
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	}
	if err != nil {
		return GeneratedKey{}, oops.In("sshx").Wrapf(err, "encode private key")
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return GeneratedKey{}, oops.In("sshx").Wrapf(err, "encode public key")
	}

	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized += " " + comment
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return GeneratedKey{}, oops.In("sshx").With("path", path).Wrapf(err, "create key directory")
	}
	pubPath := path + ".pub"
	for _, p := range []string{path, pubPath} {
		if _, err := os.Stat(p); err == nil {
			return GeneratedKey{}, oops.Code(CodeKeyExists).With("path", p).Errorf("%s already exists", p)
		}
	}
	if err := writeExclusive(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return GeneratedKey{}, err
	}
	if err := writeExclusive(pubPath, []byte(authorized+"\n"), 0o644); err != nil {
		_ = os.Remove(path)
		return GeneratedKey{}, err
	}

	return GeneratedKey{
		PrivatePath:   path,
		PublicPath:    pubPath,
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
		AuthorizedKey: authorized,
	}, nil
}

func writeExclusive(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return oops.Code(CodeKeyExists).With("path", path).Errorf("%s already exists", path)
		}
		return oops.In("sshx").With("path", path).Wrapf(err, "create key file")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return oops.In("sshx").With("path", path).Wrapf(err, "write key file")
	}
	return f.Close()
}

// ReadAuthorizedKey loads the public key for an identity file, preferring
// identity+".pub" and falling back to deriving it from the private key.
func (t *Transport) ReadAuthorizedKey(identity string) (string, error) {
	identity = ExpandHome(identity)
	if data, err := os.ReadFile(identity + ".pub"); err == nil { //nolint:gosec // user-chosen identity file
		key, comment, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return "", oops.In("sshx").With("path", identity+".pub").Wrapf(err, "parse public key")
		}
		line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		if comment != "" {
			line += " " + comment
		}
		return line, nil
	}
	signer, err := t.loadSigner(identity)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}
