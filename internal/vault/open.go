package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/hazyhaar/domrec/record"
)

// Keyring is the collector side: unwrapped session keys by version.
type Keyring struct {
	versions map[int]*keyVersion
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{versions: make(map[int]*keyVersion)}
}

// Unseal unwraps an envelope with the collector key pair and adds the key.
func (k *Keyring) Unseal(env record.KeyEnvelope, pub, priv *[32]byte) error {
	sealed, err := base64.RawURLEncoding.DecodeString(env.Sealed)
	if err != nil {
		return fmt.Errorf("vault: envelope: %w", err)
	}
	raw, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok || len(raw) != 32 {
		return fmt.Errorf("vault: envelope %d: cannot open", env.Version)
	}
	var key [32]byte
	copy(key[:], raw)
	kv, err := newKeyVersion(env.Version, key)
	if err != nil {
		return err
	}
	k.versions[env.Version] = kv
	return nil
}

// Decrypt opens a token produced by Vault.Encrypt.
func (k *Keyring) Decrypt(token string) (string, error) {
	version, raw, err := parseToken(token)
	if err != nil {
		return "", err
	}
	kv, ok := k.versions[version]
	if !ok {
		return "", fmt.Errorf("vault: unknown key version %d", version)
	}
	nonce, ct := raw[:kv.aead.NonceSize()], raw[kv.aead.NonceSize():]
	pt, err := kv.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(pt), nil
}

// GenerateCollectorKey creates a collector key pair.
func GenerateCollectorKey() (pub, priv *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// Digest is the content hash used to deduplicate static resources:
// SHA-256 truncated to 16 hex characters.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
