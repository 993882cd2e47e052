package anchor

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 signing key in Solana's 64-byte secret layout.
type Keypair struct {
	priv ed25519.PrivateKey
}

// ParseKeypair accepts a JSON byte array (solana-keygen output) or base58.
func ParseKeypair(value string) (*Keypair, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("keypair empty")
	}
	var raw []byte
	if strings.HasPrefix(value, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(value), &ints); err != nil {
			return nil, fmt.Errorf("keypair json: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(value)
		if err != nil {
			return nil, fmt.Errorf("keypair base58: %w", err)
		}
		raw = decoded
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair length %d, want %d", len(raw), ed25519.PrivateKeySize)
	}
	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], raw[ed25519.SeedSize:]) {
		return nil, errors.New("keypair public key does not match seed")
	}
	return &Keypair{priv: derived}, nil
}

// LoadKeypair reads the key from value, or from the file at path when value
// is empty. Both empty yields a nil keypair and no error.
func LoadKeypair(value, path string) (*Keypair, error) {
	if strings.TrimSpace(value) != "" {
		return ParseKeypair(value)
	}
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKeypair(string(data))
}

func NewKeypairFromSeed(seed []byte) *Keypair {
	return &Keypair{priv: ed25519.NewKeyFromSeed(seed)}
}

func (k *Keypair) PublicKey() []byte {
	return []byte(k.priv.Public().(ed25519.PublicKey))
}

func (k *Keypair) Address() string {
	return base58.Encode(k.PublicKey())
}

func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}
