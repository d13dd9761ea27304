// Package securemem keeps the bridge's shared secret in memory protected by
// memguard, so it cannot be read from a core dump or swap.
package securemem

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// Token is an access token held in a locked buffer
type Token struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewToken stores plaintext in locked memory. An empty plaintext yields a
// token that accepts every request.
func NewToken(plaintext string) *Token {
	if plaintext == "" {
		return &Token{}
	}
	return &Token{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// GenerateToken creates a random hex token of n bytes of entropy
func GenerateToken(n int) (*Token, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	encoded := make([]byte, hex.EncodedLen(n))
	hex.Encode(encoded, raw)
	memguard.WipeBytes(raw)
	// memguard wipes encoded once it is copied into the buffer
	return &Token{buf: memguard.NewBufferFromBytes(encoded)}, nil
}

// IsEmpty reports whether no token is configured
func (t *Token) IsEmpty() bool {
	if t == nil {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buf == nil || t.buf.Size() == 0
}

// Equal compares candidate against the token in constant time
func (t *Token) Equal(candidate string) bool {
	if t.IsEmpty() {
		return candidate == ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.buf == nil {
		return false
	}
	return subtle.ConstantTimeCompare(t.buf.Bytes(), []byte(candidate)) == 1
}

// Authorize checks the request's ?token= query parameter or its bearer
// Authorization header. An empty token authorizes everything.
func (t *Token) Authorize(r *http.Request) bool {
	if t.IsEmpty() {
		return true
	}
	if q := r.URL.Query().Get("token"); q != "" && t.Equal(q) {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return t.Equal(strings.TrimPrefix(h, "Bearer "))
	}
	return false
}

// WithValue runs fn with the plaintext. fn must not retain it.
func (t *Token) WithValue(fn func(string)) {
	if t.IsEmpty() {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.buf != nil {
		fn(string(t.buf.Bytes()))
	}
}

// Destroy wipes the token. A destroyed token behaves as empty.
func (t *Token) Destroy() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf != nil {
		t.buf.Destroy()
		t.buf = nil
	}
}

// Purge destroys all locked buffers; call it last on shutdown
func Purge() {
	memguard.Purge()
}
