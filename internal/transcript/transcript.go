// Package transcript accumulates the running conversation transcript of a
// voice session.
//
// Fragments arrive from the live connection as the user and the agent speak.
// The [Assembler] keeps them in arrival order and is the single source of
// truth for what the UI renders. Under [PolicyAppend] every fragment becomes
// its own entry. Under [PolicyMerge] consecutive fragments from the same
// speaker are concatenated into one entry.
package transcript

import (
	"fmt"
	"sync"
	"time"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAgent
}

// Policy selects how fragments are folded into entries.
type Policy string

const (
	// PolicyAppend stores each fragment as a separate entry.
	PolicyAppend Policy = "append"

	// PolicyMerge concatenates a fragment onto the previous entry when both
	// share a role.
	PolicyMerge Policy = "merge"
)

// IsValid reports whether p is a known policy. The empty policy is valid and
// means [PolicyAppend].
func (p Policy) IsValid() bool {
	return p == "" || p == PolicyAppend || p == PolicyMerge
}

// Entry is one line of the transcript.
type Entry struct {
	// Seq is the 1-based position of the entry.
	Seq int

	Role Role

	Text string

	// At is when the entry was created.
	At time.Time
}

// String renders the entry as "role: text".
func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.Role, e.Text)
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithPolicy sets the folding policy. Default: [PolicyAppend].
func WithPolicy(p Policy) Option {
	return func(a *Assembler) {
		if p != "" {
			a.policy = p
		}
	}
}

// WithClock overrides the time source used for [Entry.At].
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// Assembler is an ordered, append-only transcript. It is safe for concurrent
// use.
type Assembler struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	entries []Entry
}

// NewAssembler returns an empty transcript.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{policy: PolicyAppend, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append records a fragment and returns the entry it landed in. Empty
// fragments are ignored and reported with ok == false.
func (a *Assembler) Append(role Role, text string) (e Entry, ok bool) {
	if text == "" {
		return Entry{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.policy == PolicyMerge && len(a.entries) > 0 {
		last := &a.entries[len(a.entries)-1]
		if last.Role == role {
			last.Text += text
			return *last, true
		}
	}
	e = Entry{Seq: len(a.entries) + 1, Role: role, Text: text, At: a.now()}
	a.entries = append(a.entries, e)
	return e, true
}

// Entries returns a copy of all entries in order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

// Len returns the number of entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Reset discards all entries.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
}
