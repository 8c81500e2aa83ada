// Package credential stores IMAP account passwords behind an opaque
// handle so that no other package ever holds or logs plaintext.
package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "inboxmux"

// Handle is an opaque reference to a credential stored in the keyring.
// It carries no secret material itself; Password() fetches the value
// back out of the ring on demand.
type Handle struct {
	key string
}

// openKeyring returns a configured keyring instance. The file backend
// is listed last so OS-native stores are preferred when available, but
// a headless server still works via the file backend with a fixed
// passphrase.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/inboxmux/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("inboxmux-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Store saves a password under key and returns an opaque Handle to it.
func Store(key, password string) (Handle, error) {
	ring, err := openKeyring()
	if err != nil {
		return Handle{}, err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(password),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("storing credential %q: %w", key, err)
	}

	return Handle{key: key}, nil
}

// Password retrieves the plaintext password for h. It is the only way
// to observe a stored secret; the handle itself never carries it.
func (h Handle) Password() (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(h.key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", h.key, err)
	}

	return string(item.Data), nil
}

// Delete removes the credential backing h from the keyring.
func (h Handle) Delete() error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(h.key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", h.key, err)
	}

	return nil
}
