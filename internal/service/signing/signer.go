package signing

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/spf13/afero"
)

// SignatureExtension is appended to the signed file name.
const SignatureExtension = ".asc"

var (
	errNoKeys             = errors.New("no keys found in key ring")
	errNoPrivateKey       = errors.New("key has no private part")
	errPassphraseRequired = errors.New("private key is encrypted and no passphrase was provided")
)

// Signer signs files with one private OpenPGP key.
type Signer struct {
	entity *openpgp.Entity
}

// LoadSigner reads an armored private key ring from path and unlocks its first key.
func LoadSigner(fsys afero.Fs, path string, passphrase []byte) (*Signer, error) {
	f, err := fsys.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return NewSigner(f, passphrase)
}

// NewSigner reads an armored private key ring and unlocks its first key.
func NewSigner(r io.Reader, passphrase []byte) (*Signer, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	if len(entities) == 0 {
		return nil, errNoKeys
	}

	entity := entities[0]
	if entity.PrivateKey == nil {
		return nil, errNoPrivateKey
	}

	if err = unlock(entity, passphrase); err != nil {
		return nil, err
	}

	return &Signer{entity: entity}, nil
}

// Fingerprint returns the upper-case hex fingerprint of the primary key.
func (s *Signer) Fingerprint() string {
	return fmt.Sprintf("%X", s.entity.PrimaryKey.Fingerprint)
}

// SignFile writes path+".asc" next to path and returns the signature path.
func (s *Signer) SignFile(fsys afero.Fs, path string) (string, error) {
	message, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = message.Close()
	}()

	sigPath := path + SignatureExtension

	out, err := fsys.Create(sigPath)
	if err != nil {
		return "", fmt.Errorf("create signature: %w", err)
	}

	if err = openpgp.ArmoredDetachSign(out, s.entity, message, nil); err != nil {
		_ = out.Close()
		_ = fsys.Remove(sigPath)

		return "", fmt.Errorf("sign %s: %w", path, err)
	}

	if err = out.Close(); err != nil {
		return "", fmt.Errorf("close signature: %w", err)
	}

	return sigPath, nil
}

// unlock decrypts the primary key and every encrypted subkey.
func unlock(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return errPassphraseRequired
		}

		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("decrypt primary key: %w", err)
		}
	}

	for _, sub := range entity.Subkeys {
		if sub.PrivateKey == nil || !sub.PrivateKey.Encrypted {
			continue
		}

		if len(passphrase) == 0 {
			return errPassphraseRequired
		}

		if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("decrypt subkey: %w", err)
		}
	}

	return nil
}
