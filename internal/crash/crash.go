// Package crash intercepts panics that would otherwise take the process down.
//
// Go has no process-wide uncaught error handler; a panic is only visible to a
// deferred recover on the goroutine that panicked. A Chain is the shared list
// of handlers those recovers report to:
//
//	defer chain.Recover()
//
// Handlers run in priority order. Each one may let the panic pass through to
// the next; once every handler passed, the chain terminates the process the
// way the unrecovered panic would have.
package crash

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"crashrelay/pkg/event"

	"github.com/rs/zerolog/log"
)

// Panic is a recovered panic together with the stack it unwound from.
type Panic struct {
	Value any
	Stack []uintptr
}

// NewPanic wraps v with the stack of the caller, skipping skip extra frames.
func NewPanic(v any, skip int) *Panic {
	return &Panic{Value: v, Stack: event.Callers(skip + 1)}
}

// Err returns the panic value as an error. Non-error values are wrapped in a
// *Value.
func (p *Panic) Err() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return &Value{V: p.Value}
}

// Value is a panic value that is not an error.
type Value struct {
	V any
}

func (v *Value) Error() string { return fmt.Sprintf("panic: %v", v.V) }

// Handler reacts to a panic. Returning true passes the panic on to the next
// handler; false stops the chain and suppresses termination.
type Handler func(p *Panic) (next bool)

type entry struct {
	id       string
	priority int
	seq      int
	fn       Handler
}

// Chain is an ordered set of handlers keyed by id.
type Chain struct {
	mu        sync.Mutex
	handlers  []entry
	seq       int
	terminate func(p *Panic)
}

// NewChain returns an empty chain. A nil terminate re-panics with the
// original value.
func NewChain(terminate func(p *Panic)) *Chain {
	if terminate == nil {
		terminate = Terminate
	}
	return &Chain{terminate: terminate}
}

// Default is the process-wide chain.
var Default = NewChain(nil)

// Terminate re-raises the recovered value so the process dies the way it
// would have without interception.
func Terminate(p *Panic) {
	panic(p.Value)
}

// Exit prints the panic and exits with status 2, like the runtime does.
func Exit(p *Panic) {
	fmt.Fprintf(os.Stderr, "panic: %v\n", p.Value)
	os.Exit(2)
}

// Install registers fn under id. Lower priorities run first; equal
// priorities run in registration order. Installing an id that is already
// present changes nothing and returns false.
func (c *Chain) Install(id string, priority int, fn Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.handlers {
		if h.id == id {
			return false
		}
	}
	c.seq++
	c.handlers = append(c.handlers, entry{id: id, priority: priority, seq: c.seq, fn: fn})
	sort.SliceStable(c.handlers, func(i, j int) bool {
		if c.handlers[i].priority != c.handlers[j].priority {
			return c.handlers[i].priority < c.handlers[j].priority
		}
		return c.handlers[i].seq < c.handlers[j].seq
	})
	return true
}

// Uninstall removes the handler registered under id.
func (c *Chain) Uninstall(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Installed reports whether id is registered.
func (c *Chain) Installed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

// Handle runs the handlers for p and terminates unless one of them stopped
// the chain. A handler that panics itself is logged and skipped.
func (c *Chain) Handle(p *Panic) {
	c.mu.Lock()
	handlers := append([]entry(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		if !c.run(h, p) {
			return
		}
	}
	c.terminate(p)
}

func (c *Chain) run(h entry, p *Panic) (next bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("handler", h.id).Interface("panic", r).Msg("crash handler panicked")
			next = true
		}
	}()
	return h.fn(p)
}

// Recover must be deferred directly: defer chain.Recover().
func (c *Chain) Recover() {
	if v := recover(); v != nil {
		c.Handle(NewPanic(v, 2))
	}
}

// Go runs fn on a new goroutine guarded by the chain.
func (c *Chain) Go(fn func()) {
	go func() {
		defer c.Recover()
		fn()
	}()
}
