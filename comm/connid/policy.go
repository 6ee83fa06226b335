package connid

import (
	"fmt"
	"sync"
)

// Policy is the admission counter of a server
type Policy struct {
	mu      sync.Mutex
	max     int32
	current int32
}

// NewPolicy creates a policy admitting at most max connections. A negative max
// admits any number of connections.
func NewPolicy(max int32) *Policy {
	return &Policy{max: max}
}

// IsConnectAllowed reports whether one more connection would be admitted
func (p *Policy) IsConnectAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowed()
}

// Acquire admits a connection. It returns false without counting if the limit is reached.
func (p *Policy) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allowed() {
		return false
	}
	p.current++
	return true
}

// Release gives back an admitted connection. Releasing more than was acquired
// is a programming error.
func (p *Policy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current <= 0 {
		panic(fmt.Sprintf("connection count decremented below zero (max %d)", p.max))
	}
	p.current--
}

// Max returns the configured limit
func (p *Policy) Max() int32 {
	return p.max
}

// Current returns the number of admitted connections
func (p *Policy) Current() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Policy) allowed() bool {
	return p.max < 0 || p.current < p.max
}

func (p *Policy) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max < 0 {
		return fmt.Sprintf("ConnectionPolicy{current=%d, max=unlimited}", p.current)
	}
	return fmt.Sprintf("ConnectionPolicy{current=%d, max=%d}", p.current, p.max)
}
