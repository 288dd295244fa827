package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AlgHS256   = "HS256"
	AlgEd25519 = "EdDSA"

	// DefaultKeyringSize bounds how many keys stay available for verification.
	DefaultKeyringSize = 3

	minHMACSecretLen = 32
)

var (
	ErrEmptyKeyring  = errors.New("keyring has no keys")
	ErrDuplicateKey  = errors.New("key id already present")
	ErrUnknownKey    = errors.New("unknown key id")
	ErrInvalidKey    = errors.New("invalid key material")
	ErrLastKeyRetire = errors.New("cannot retire the only signing key")
)

// Key is a single signing key. HS256 keys hold a shared secret, Ed25519 keys
// hold a key pair.
type Key struct {
	ID      string
	secret  []byte
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewHMACKey returns an HS256 key. The secret must be at least 32 bytes.
func NewHMACKey(id string, secret []byte) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, fmt.Errorf("%w: empty key id", ErrInvalidKey)
	}
	if len(secret) < minHMACSecretLen {
		return Key{}, fmt.Errorf("%w: hs256 secret shorter than %d bytes", ErrInvalidKey, minHMACSecretLen)
	}
	return Key{ID: id, secret: slices.Clone(secret)}, nil
}

// NewEd25519Key returns an EdDSA key from a raw private key or a PEM block.
func NewEd25519Key(id string, private []byte) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, fmt.Errorf("%w: empty key id", ErrInvalidKey)
	}

	var pk ed25519.PrivateKey
	if len(private) == ed25519.PrivateKeySize {
		pk = ed25519.PrivateKey(slices.Clone(private))
	} else {
		parsed, err := jwt.ParseEdPrivateKeyFromPEM(private)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		edKey, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return Key{}, fmt.Errorf("%w: not an ed25519 private key", ErrInvalidKey)
		}
		pk = edKey
	}

	return Key{
		ID:      id,
		private: pk,
		public:  pk.Public().(ed25519.PublicKey),
	}, nil
}

// NewKey builds a key from configuration values.
func NewKey(id, algorithm string, material []byte) (Key, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case "", "HS256":
		return NewHMACKey(id, material)
	case "EDDSA", "ED25519":
		return NewEd25519Key(id, material)
	default:
		return Key{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKey, algorithm)
	}
}

// NewEphemeralKey generates an Ed25519 key that lives for the process lifetime.
func NewEphemeralKey() (Key, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, err
	}
	return Key{
		ID:      uuid.NewString(),
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

func (k Key) Algorithm() string {
	if k.secret != nil {
		return AlgHS256
	}
	return AlgEd25519
}

func (k Key) method() jwt.SigningMethod {
	if k.secret != nil {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (k Key) signKey() interface{} {
	if k.secret != nil {
		return k.secret
	}
	return k.private
}

func (k Key) verifyKey() interface{} {
	if k.secret != nil {
		return k.secret
	}
	return k.public
}

// Keyring is an ordered list of keys, newest first. The newest key signs,
// every key verifies.
type Keyring struct {
	mu   sync.RWMutex
	keys []Key
	max  int
}

// NewKeyring returns a keyring holding keys, the first one being the signing key.
func NewKeyring(keys ...Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeyring
	}

	r := &Keyring{max: DefaultKeyringSize}
	if len(keys) > r.max {
		r.max = len(keys)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := r.Add(keys[i]); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add makes k the signing key. The oldest key is dropped once the ring is full.
func (r *Keyring) Add(k Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.keys, func(existing Key) bool { return existing.ID == k.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, k.ID)
	}

	r.keys = append([]Key{k}, r.keys...)
	if len(r.keys) > r.max {
		r.keys = r.keys[:r.max]
	}

	return nil
}

// Retire removes a key. Tokens signed with it stop verifying.
func (r *Keyring) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.keys, func(k Key) bool { return k.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	if len(r.keys) == 1 {
		return ErrLastKeyRetire
	}

	r.keys = slices.Delete(r.keys, idx, idx+1)

	return nil
}

// Signing returns the newest key.
func (r *Keyring) Signing() (Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return Key{}, ErrEmptyKeyring
	}
	return r.keys[0], nil
}

// Lookup finds a verification key by id.
func (r *Keyring) Lookup(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keys {
		if k.ID == id {
			return k, true
		}
	}
	return Key{}, false
}

// IDs lists key ids, newest first.
func (r *Keyring) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		ids = append(ids, k.ID)
	}
	return ids
}

func (r *Keyring) algorithms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	algs := make([]string, 0, 2)
	for _, k := range r.keys {
		if !slices.Contains(algs, k.Algorithm()) {
			algs = append(algs, k.Algorithm())
		}
	}
	return algs
}
