package credential

import (
	"errors"
	"fmt"
	"strings"
)

// MinSecretLength is the shortest HMAC secret a keyring accepts.
const MinSecretLength = 32

// Keyring holds signing material: one active key used for new credentials and
// any number of retired keys that still verify credentials issued before a
// rotation. It is built once at startup and handed to the Codec.
type Keyring struct {
	active string
	keys   map[string][]byte
}

// NewKeyring creates a keyring whose active signing key is identified by kid.
func NewKeyring(kid, secret string) (*Keyring, error) {
	k := &Keyring{keys: make(map[string][]byte)}
	if err := k.add(kid, secret); err != nil {
		return nil, err
	}
	k.active = strings.TrimSpace(kid)
	return k, nil
}

// AddVerificationKey registers a retired key. Credentials signed with it keep
// verifying until they expire; nothing new is signed with it.
func (k *Keyring) AddVerificationKey(kid, secret string) error {
	return k.add(kid, secret)
}

// ActiveKeyID returns the kid stamped into new credential headers.
func (k *Keyring) ActiveKeyID() string {
	return k.active
}

func (k *Keyring) add(kid, secret string) error {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return errors.New("credential: key id is required")
	}
	if len(secret) < MinSecretLength {
		return fmt.Errorf("credential: secret for key %q must be at least %d bytes", kid, MinSecretLength)
	}
	if _, exists := k.keys[kid]; exists {
		return fmt.Errorf("credential: duplicate key id %q", kid)
	}
	k.keys[kid] = []byte(secret)
	return nil
}

func (k *Keyring) signingKey() (string, []byte) {
	return k.active, k.keys[k.active]
}

func (k *Keyring) lookup(kid string) ([]byte, bool) {
	secret, ok := k.keys[kid]
	return secret, ok
}
