// Package auth issues and verifies the bearer tokens that guard the agent's
// control API.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "agent_key.pem"
	publicKeyFile  = "agent_key.pub.pem"
)

// KeyPair holds the ECDSA P-256 key pair used to sign API tokens.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair creates a new ECDSA P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// KeyPaths returns the private and public key locations inside dir.
func KeyPaths(dir string) (string, string) {
	return filepath.Join(dir, privateKeyFile), filepath.Join(dir, publicKeyFile)
}

// Save writes both keys as PEM files into dir.
func (kp *KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	privPath, pubPath := KeyPaths(dir)

	privBytes, err := x509.MarshalECPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := writePEM(privPath, "EC PRIVATE KEY", privBytes, 0600); err != nil {
		return err
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	return writePEM(pubPath, "PUBLIC KEY", pubBytes, 0644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer file.Close()

	if err := pem.Encode(file, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block in %s", path)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("unexpected key type: %s", block.Type)
	}
	return block.Bytes, nil
}

// LoadKeyPair reads the key pair stored in dir.
func LoadKeyPair(dir string) (*KeyPair, error) {
	privPath, pubPath := KeyPaths(dir)

	der, err := readPEM(privPath, "EC PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	privateKey, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	der, err = readPEM(pubPath, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not an ECDSA public key")
	}
	if !publicKey.Equal(&privateKey.PublicKey) {
		return nil, fmt.Errorf("public key in %s does not match private key", pubPath)
	}

	return &KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// LoadOrGenerateKeyPair loads the key pair in dir, generating one on first
// use. A present but unreadable pair is an error; it is never overwritten,
// since that would revoke every token already handed out.
func LoadOrGenerateKeyPair(dir string) (*KeyPair, bool, error) {
	privPath, _ := KeyPaths(dir)
	if _, err := os.Stat(privPath); err == nil {
		kp, err := LoadKeyPair(dir)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load key pair: %w", err)
		}
		return kp, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("failed to stat key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, false, fmt.Errorf("failed to save key pair: %w", err)
	}
	return kp, true, nil
}
