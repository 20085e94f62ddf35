// CLAUDE:SUMMARY Session key vault: versioned symmetric keys, deterministic XChaCha20-Poly1305 value encryption, sealed key envelopes for the collector.
// Package vault holds the per-session symmetric key material and performs
// value encryption.
//
// Encryption is deterministic under a given key version: the nonce is a
// keyed BLAKE2b digest of the plaintext, so identical plaintexts produce
// identical tokens. The session key is wrapped for the collector with an
// anonymous NaCl box; plaintext keys never leave the process.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/hazyhaar/domrec/record"
)

// TokenPrefix starts every encrypted value.
const TokenPrefix = "enc:"

// ErrUnavailable is returned when no collector key is configured or the
// random source fails. Callers degrade to masking.
var ErrUnavailable = errors.New("vault: encryption unavailable")

// Config configures a Vault.
type Config struct {
	// CollectorKey is the collector's Curve25519 public key.
	CollectorKey *[32]byte
	// Rand is the entropy source. Defaults to crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

type keyVersion struct {
	version  int
	key      [32]byte
	aead     cipher.AEAD
	nonceKey []byte
}

// Vault holds the key versions of one session.
type Vault struct {
	pub    *[32]byte
	rand   io.Reader
	logger *slog.Logger

	mu     sync.Mutex
	keys   []*keyVersion
	unsent map[int]bool

	wg sync.WaitGroup
}

// New generates the first key version.
func New(cfg Config) (*Vault, error) {
	if cfg.CollectorKey == nil {
		return nil, ErrUnavailable
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v := &Vault{
		pub:    cfg.CollectorKey,
		rand:   cfg.Rand,
		logger: cfg.Logger,
		unsent: make(map[int]bool),
	}
	if _, err := v.Rotate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Rotate appends a new key version and makes it current. Tasks started
// before the rotation keep the version they captured.
func (v *Vault) Rotate() (int, error) {
	var key [32]byte
	if _, err := io.ReadFull(v.rand, key[:]); err != nil {
		return 0, fmt.Errorf("vault: rotate: %w: %v", ErrUnavailable, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	kv, err := newKeyVersion(len(v.keys)+1, key)
	if err != nil {
		return 0, err
	}
	v.keys = append(v.keys, kv)
	return kv.version, nil
}

func newKeyVersion(version int, key [32]byte) (*keyVersion, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	nk := blake2b.Sum256(append([]byte("domrec/nonce\x00"), key[:]...))
	return &keyVersion{version: version, key: key, aead: aead, nonceKey: nk[:]}, nil
}

// Version returns the current key version.
func (v *Vault) Version() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current().version
}

func (v *Vault) current() *keyVersion { return v.keys[len(v.keys)-1] }

// Encrypt encrypts plaintext under the current key version.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.Lock()
	kv := v.current()
	v.unsent[kv.version] = true
	v.mu.Unlock()
	return seal(kv, plaintext)
}

// EncryptAsync starts an encryption task and returns its slot immediately.
// The key version is captured now, so a Rotate before the task runs does
// not change the result.
func (v *Vault) EncryptAsync(plaintext string) *record.Slot {
	v.mu.Lock()
	kv := v.current()
	v.unsent[kv.version] = true
	v.mu.Unlock()

	slot := record.NewSlot()
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		tok, err := seal(kv, plaintext)
		if err != nil {
			v.logger.Warn("vault: encrypt failed", "version", kv.version, "error", err)
			tok = "********"
		}
		slot.Resolve(tok)
	}()
	return slot
}

// Wait blocks until every started encryption task has resolved its slot.
func (v *Vault) Wait() { v.wg.Wait() }

func seal(kv *keyVersion, plaintext string) (string, error) {
	h, err := blake2b.New(chacha20poly1305.NonceSizeX, kv.nonceKey)
	if err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	h.Write([]byte(plaintext))
	nonce := h.Sum(nil)
	out := kv.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return TokenPrefix + strconv.Itoa(kv.version) + ":" + base64.RawURLEncoding.EncodeToString(out), nil
}

// Issued reports whether s is a token sealed by one of this vault's key
// versions. A string that only has the token shape is not issued.
func (v *Vault) Issued(s string) bool {
	version, raw, err := parseToken(s)
	if err != nil {
		return false
	}
	v.mu.Lock()
	if version > len(v.keys) {
		v.mu.Unlock()
		return false
	}
	kv := v.keys[version-1]
	v.mu.Unlock()
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	_, err = kv.aead.Open(nil, nonce, ct, nil)
	return err == nil
}

// IsToken reports whether s has the encrypted value format.
func IsToken(s string) bool {
	_, _, err := parseToken(s)
	return err == nil
}

func parseToken(s string) (int, []byte, error) {
	rest, ok := strings.CutPrefix(s, TokenPrefix)
	if !ok {
		return 0, nil, fmt.Errorf("vault: not a token")
	}
	vs, body, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, nil, fmt.Errorf("vault: malformed token")
	}
	version, err := strconv.Atoi(vs)
	if err != nil || version < 1 {
		return 0, nil, fmt.Errorf("vault: malformed token version")
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return 0, nil, fmt.Errorf("vault: token body: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return 0, nil, fmt.Errorf("vault: token too short")
	}
	return version, raw, nil
}

// TakeEnvelopes returns a freshly wrapped envelope for every key version
// used since the previous call, oldest first. It returns nil when nothing
// was encrypted in between.
func (v *Vault) TakeEnvelopes() ([]record.KeyEnvelope, error) {
	v.mu.Lock()
	var pending []*keyVersion
	for _, kv := range v.keys {
		if v.unsent[kv.version] {
			pending = append(pending, kv)
		}
	}
	v.unsent = make(map[int]bool)
	v.mu.Unlock()

	var out []record.KeyEnvelope
	for _, kv := range pending {
		sealed, err := box.SealAnonymous(nil, kv.key[:], v.pub, v.rand)
		if err != nil {
			return nil, fmt.Errorf("vault: wrap key %d: %w", kv.version, err)
		}
		out = append(out, record.KeyEnvelope{
			Version: kv.version,
			Sealed:  base64.RawURLEncoding.EncodeToString(sealed),
		})
	}
	return out, nil
}
