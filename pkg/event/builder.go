package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Builder assembles an Event. Every setter returns the builder so calls can
// be chained. The working event stays mutable until Build.
type Builder struct {
	ev          *Event
	appPackages []string
}

// NewEventID returns a random identifier rendered as 32 hex characters.
func NewEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewBuilder starts an event with a fresh id, the current UTC time and empty
// user, tags and extra maps.
func NewBuilder() *Builder {
	return &Builder{
		ev: &Event{
			EventID:   NewEventID(),
			Timestamp: time.Now().UTC().Format(TimestampLayout),
			Platform:  Platform,
			User:      map[string]string{},
			Tags:      map[string]string{},
			Extra:     map[string]string{},
		},
	}
}

// AppPackages sets the package path prefixes that count as application code
// when FromError picks a culprit.
func (b *Builder) AppPackages(prefixes ...string) *Builder {
	b.appPackages = append([]string(nil), prefixes...)
	return b
}

func (b *Builder) Message(msg string) *Builder {
	b.ev.Message = msg
	return b
}

func (b *Builder) Level(l Level) *Builder {
	b.ev.Level = l
	return b
}

func (b *Builder) Logger(name string) *Builder {
	b.ev.Logger = name
	return b
}

func (b *Builder) Culprit(c string) *Builder {
	b.ev.Culprit = c
	return b
}

// Timestamp overrides the creation time.
func (b *Builder) Timestamp(t time.Time) *Builder {
	b.ev.Timestamp = t.UTC().Format(TimestampLayout)
	return b
}

// Release sets the release tag. An empty tag leaves the event untouched.
func (b *Builder) Release(tag string) *Builder {
	if tag == "" {
		return b
	}
	b.ev.Release = tag
	return b
}

func (b *Builder) ServerName(name string) *Builder {
	b.ev.ServerName = name
	return b
}

func (b *Builder) User(key, value string) *Builder {
	b.ev.User[key] = value
	return b
}

// Users merges m into the user map.
func (b *Builder) Users(m map[string]string) *Builder {
	for k, v := range m {
		b.ev.User[k] = v
	}
	return b
}

func (b *Builder) Tag(key, value string) *Builder {
	b.ev.Tags[key] = value
	return b
}

// Tags merges m into the tags map.
func (b *Builder) Tags(m map[string]string) *Builder {
	for k, v := range m {
		b.ev.Tags[k] = v
	}
	return b
}

func (b *Builder) Extra(key, value string) *Builder {
	b.ev.Extra[key] = value
	return b
}

// Extras merges m into the extra map.
func (b *Builder) Extras(m map[string]string) *Builder {
	for k, v := range m {
		b.ev.Extra[k] = v
	}
	return b
}

func (b *Builder) AddModule(name, version string) *Builder {
	b.ev.Modules = append(b.ev.Modules, Module{Name: name, Version: version})
	return b
}

// Exception records the causal chain of err. The top-level error uses the
// caller's stack when it does not carry its own.
func (b *Builder) Exception(err error) *Builder {
	if err == nil {
		return b
	}
	b.setException(err, Callers(1))
	return b
}

// FromError fills message, level, culprit and exception from err. A nil err
// only sets the level.
func (b *Builder) FromError(err error, level Level) *Builder {
	return b.fromError(err, level, Callers(1))
}

// FromErrorStack is FromError with an explicit stack for the top-level error,
// used when the error was recovered away from where it happened.
func (b *Builder) FromErrorStack(err error, level Level, pcs []uintptr) *Builder {
	return b.fromError(err, level, pcs)
}

func (b *Builder) fromError(err error, level Level, pcs []uintptr) *Builder {
	b.ev.Level = level
	if err == nil {
		return b
	}
	b.ev.Message = err.Error()
	b.setException(err, pcs)

	if c, ok := culprit(b.ev.Exception.Values, b.appPackages); ok {
		b.ev.Culprit = c
	} else {
		b.ev.Culprit = err.Error()
	}
	return b
}

func (b *Builder) setException(err error, pcs []uintptr) {
	b.ev.Exception = &ExceptionList{Values: buildExceptions(err, pcs)}
}

// Event exposes the working event for in-place changes by capture hooks.
func (b *Builder) Event() *Event {
	return b.ev
}

// Build returns an independent snapshot of the event.
func (b *Builder) Build() *Event {
	return b.ev.Clone()
}
