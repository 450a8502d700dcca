package client

import (
	"sync"

	"github.com/google/uuid"
)

// Token identifies one in-flight remote operation.
type Token string

// Operations tracks in-flight requests so that results arriving after a
// Reset (sign-out, user switch) can be recognised and dropped.
type Operations struct {
	mu     sync.Mutex
	active map[Token]struct{}
}

func NewOperations() *Operations {
	return &Operations{active: make(map[Token]struct{})}
}

func (o *Operations) Begin() Token {
	token := Token(uuid.NewString())
	o.mu.Lock()
	o.active[token] = struct{}{}
	o.mu.Unlock()
	return token
}

// Valid reports whether token is still current.
func (o *Operations) Valid(token Token) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[token]
	return ok
}

func (o *Operations) End(token Token) {
	o.mu.Lock()
	delete(o.active, token)
	o.mu.Unlock()
}

// Reset invalidates every outstanding token.
func (o *Operations) Reset() {
	o.mu.Lock()
	o.active = make(map[Token]struct{})
	o.mu.Unlock()
}

func (o *Operations) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
