package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// #region config
const (
	SaltSize  = 16
	nonceSize = chacha20poly1305.NonceSizeX
	tagSize   = chacha20poly1305.Overhead
	keySize   = chacha20poly1305.KeySize

	keyIDInfo = "affect-state/key-id/v1"
	keyIDSize = 12
)

// #endregion config

// #region key
// NewSalt returns a fresh random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches secret with argon2id. The same (secret, salt, params)
// always yields the same key and key id.
func DeriveKey(secret, salt []byte, params KDFParams) (*KeyMaterial, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive key: empty secret")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("derive key: salt shorter than %d bytes", SaltSize)
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("derive key: invalid kdf params %+v", params)
	}
	key := argon2.IDKey(secret, salt, params.Time, params.MemoryKiB, params.Threads, keySize)
	id, err := keyID(key)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		KeyID:     id,
		CreatedAt: time.Now().UTC(),
		key:       key,
	}, nil
}

// keyID is an HKDF expansion of the key, so it identifies a generation
// without revealing key bytes.
func keyID(key []byte) (string, error) {
	buf := make([]byte, keyIDSize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key, []byte(keyIDInfo)), buf); err != nil {
		return "", fmt.Errorf("key id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// #endregion key

// #region associated-data
// AssociatedData encodes fields as NFC-normalized, length-prefixed strings so
// ("ab","c") and ("a","bc") never collide.
func AssociatedData(fields ...string) []byte {
	var out []byte
	var lenBuf [4]byte
	for _, f := range fields {
		b := []byte(norm.NFC.String(f))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}
	return out
}

// #endregion associated-data

// #region seal-open
// Seal encrypts plaintext under key, binding ad into the tag. The nonce is
// drawn from crypto/rand on every call; there is no way to supply one.
func Seal(plaintext, ad []byte, key *KeyMaterial) (Record, error) {
	key.mu.RLock()
	defer key.mu.RUnlock()
	if key.key == nil {
		return Record{}, ErrKeyNotFound
	}
	if key.retired {
		return Record{}, ErrKeyRetired
	}

	aead, err := chacha20poly1305.NewX(key.key)
	if err != nil {
		return Record{}, fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, fmt.Errorf("seal nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, ad)
	split := len(sealed) - tagSize

	return Record{
		FormatVersion:  FormatVersion,
		KeyID:          key.KeyID,
		Nonce:          nonce,
		Ciphertext:     sealed[:split],
		Tag:            sealed[split:],
		AssociatedData: append([]byte(nil), ad...),
	}, nil
}

// Open verifies and decrypts rec. Any integrity failure returns
// ErrAuthentication; the tag check itself is constant time.
func Open(rec Record, key *KeyMaterial) ([]byte, error) {
	if rec.FormatVersion != FormatVersion {
		return nil, &FormatError{Version: rec.FormatVersion}
	}

	key.mu.RLock()
	defer key.mu.RUnlock()
	if key.key == nil {
		return nil, ErrKeyNotFound
	}
	if subtle.ConstantTimeCompare([]byte(rec.KeyID), []byte(key.KeyID)) != 1 {
		return nil, ErrAuthentication
	}
	if len(rec.Nonce) != nonceSize || len(rec.Tag) != tagSize {
		return nil, ErrAuthentication
	}

	aead, err := chacha20poly1305.NewX(key.key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	sealed := make([]byte, 0, len(rec.Ciphertext)+tagSize)
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.Tag...)
	plain, err := aead.Open(nil, rec.Nonce, sealed, rec.AssociatedData)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}

// #endregion seal-open
