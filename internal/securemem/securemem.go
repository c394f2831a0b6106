// Package securemem keeps reasoning-provider credentials in memguard-protected
// memory between loading the configuration and building the client.
package securemem

import (
	"strings"

	"github.com/awnumar/memguard"
)

// Credential is an API key held in an encrypted enclave.
type Credential struct {
	enclave *memguard.Enclave
	length  int
}

// NewCredential seals key and wipes the caller's copy of the bytes.
// Surrounding whitespace is dropped first.
func NewCredential(key string) *Credential {
	trimmed := []byte(strings.TrimSpace(key))
	if len(trimmed) == 0 {
		return &Credential{}
	}
	n := len(trimmed)
	return &Credential{
		enclave: memguard.NewEnclave(trimmed),
		length:  n,
	}
}

// IsEmpty reports whether no key is held.
func (c *Credential) IsEmpty() bool {
	return c == nil || c.enclave == nil || c.length == 0
}

// Reveal opens the enclave and returns the plaintext key. The returned string
// lives in regular memory; callers hand it straight to an SDK constructor.
func (c *Credential) Reveal() (string, error) {
	if c.IsEmpty() {
		return "", nil
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Purge wipes all memguard-managed memory. Called once on shutdown.
func Purge() {
	memguard.Purge()
}
