package cipher

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// #region format

// FormatVersion is the only record layout this package writes.
const FormatVersion uint8 = 1

// Record is one sealed payload. AssociatedData is authenticated but not
// encrypted; callers rebuild it from the record's storage key on read.
type Record struct {
	FormatVersion  uint8
	KeyID          string
	Nonce          []byte
	Ciphertext     []byte
	Tag            []byte
	AssociatedData []byte
}

// #endregion format

// #region kdf-params

// KDFParams configures argon2id.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the argon2id interactive recommendation.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
	}
}

// TestKDFParams are cheap parameters for tests. Never use them for real profiles.
var TestKDFParams = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

// #endregion kdf-params

// #region key-material

// KeyMaterial is one derived key generation. The key bytes never leave the
// process and are zeroed by Zero.
type KeyMaterial struct {
	KeyID     string
	CreatedAt time.Time

	mu      sync.RWMutex
	key     []byte
	retired bool
}

// Retired reports whether the key is closed for new Seal calls.
func (k *KeyMaterial) Retired() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.retired
}

// Retire closes the key for sealing; Open keeps working.
func (k *KeyMaterial) Retire() {
	k.mu.Lock()
	k.retired = true
	k.mu.Unlock()
}

// Zero overwrites the key bytes and makes the key unusable.
func (k *KeyMaterial) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.key {
		k.key[i] = 0
	}
	k.key = nil
	k.retired = true
}

// Discarded reports whether Zero has been called.
func (k *KeyMaterial) Discarded() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key == nil
}

// #endregion key-material

// #region errors

var (
	// ErrAuthentication covers tampering, wrong key and wrong associated data.
	ErrAuthentication = errors.New("cipher: authentication failed")
	// ErrFormat is matched by FormatError.
	ErrFormat = errors.New("cipher: unrecognized record format")
	// ErrKeyRetired is returned when sealing under a retired key.
	ErrKeyRetired = errors.New("cipher: key retired")
	// ErrKeyNotFound is returned when a key generation is not loaded or was discarded.
	ErrKeyNotFound = errors.New("cipher: key not available")
)

// FormatError reports a record written with an unknown format version.
type FormatError struct {
	Version uint8
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cipher: unrecognized record format version %d", e.Version)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// #endregion errors
