// Package intercept decides which guest socket operations target LDN traffic
// and redirects those onto virtual proxy sockets, leaving everything else to
// the real network stack.
package intercept

import "sync"

// Policy decides whether a requesting program's sockets are LDN-managed.
type Policy interface {
	ShouldMitm(programID uint64) bool
}

// ProgramPolicy is a Policy matching an explicit set of program identifiers,
// with a global enable switch.
type ProgramPolicy struct {
	mu       sync.RWMutex
	enabled  bool
	programs map[uint64]bool
}

// NewProgramPolicy creates an enabled policy for the given program IDs.
func NewProgramPolicy(programIDs ...uint64) *ProgramPolicy {
	p := &ProgramPolicy{
		enabled:  true,
		programs: make(map[uint64]bool),
	}
	for _, id := range programIDs {
		p.programs[id] = true
	}
	return p
}

// SetEnabled toggles interception globally.
func (p *ProgramPolicy) SetEnabled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = v
}

// AddProgram marks a program's sockets as LDN-managed.
func (p *ProgramPolicy) AddProgram(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.programs[id] = true
}

// RemoveProgram stops intercepting a program's sockets.
func (p *ProgramPolicy) RemoveProgram(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.programs, id)
}

// ShouldMitm reports whether sockets created by the program are intercepted.
func (p *ProgramPolicy) ShouldMitm(programID uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled && p.programs[programID]
}
