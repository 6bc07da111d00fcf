package event

import (
	"errors"
	"reflect"
	"runtime"
	"strings"
)

// MaxFrames caps the frames recorded per exception. The innermost frames win.
const MaxFrames = 150

// SystemPrefixes are the package paths treated as platform code. Frames from
// these packages are reported with in_app=false so the receiving service can
// fold them.
var SystemPrefixes = []string{
	"runtime",
	"reflect",
	"testing",
	"internal",
	"syscall",
	"sync",
	"os",
	"net",
	"fmt",
	"errors",
	"crashrelay/pkg",
	"crashrelay/internal",
}

// StackTracer is implemented by errors that carry the program counters of
// the place they were created.
type StackTracer interface {
	StackTrace() []uintptr
}

// Callers returns the program counters of the calling goroutine, skipping
// skip frames above the caller of Callers.
func Callers(skip int) []uintptr {
	pcs := make([]uintptr, MaxFrames)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

type withStack struct {
	err   error
	stack []uintptr
}

func (w *withStack) Error() string         { return w.err.Error() }
func (w *withStack) Unwrap() error         { return w.err }
func (w *withStack) StackTrace() []uintptr { return w.stack }

// WithStack annotates err with the current call stack. A nil err stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, stack: Callers(1)}
}

// MaxChain bounds the causal chain walked for one error.
const MaxChain = 100

// chain returns err followed by every cause reachable through Unwrap. Joined
// errors contribute their first member only. The walk stops at MaxChain links
// or when a pointer error shows up twice. Value errors are never hashed: a
// comparable type may still hold an unhashable field.
func chain(err error) []error {
	var out []error
	seen := map[uintptr]struct{}{}
	for err != nil && len(out) < MaxChain {
		if p, ok := pointerOf(err); ok {
			if _, dup := seen[p]; dup {
				break
			}
			seen[p] = struct{}{}
		}
		out = append(out, err)

		if u, ok := err.(interface{ Unwrap() []error }); ok {
			errs := u.Unwrap()
			if len(errs) == 0 {
				break
			}
			err = errs[0]
			continue
		}
		err = errors.Unwrap(err)
	}
	return out
}

func pointerOf(err error) (uintptr, bool) {
	v := reflect.ValueOf(err)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, false
	}
	return v.Pointer(), true
}

// typeInfo returns the concrete type name and package path of err.
func typeInfo(err error) (name, module string) {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name = t.Name()
	if name == "" {
		name = t.String()
	}
	return name, t.PkgPath()
}

// buildExceptions formats the causal chain of err, top-level error first.
// fallback is used as the stack of the top-level error when it carries none.
func buildExceptions(err error, fallback []uintptr) []Exception {
	errs := chain(err)
	out := make([]Exception, 0, len(errs))
	for i, e := range errs {
		name, module := typeInfo(e)
		ex := Exception{
			Type:   name,
			Value:  e.Error(),
			Module: module,
		}

		var pcs []uintptr
		if st, ok := e.(StackTracer); ok {
			pcs = st.StackTrace()
		} else if i == 0 {
			pcs = fallback
		}
		if frames := buildFrames(pcs); len(frames) > 0 {
			ex.Stacktrace = &Stacktrace{Frames: frames}
		}
		out = append(out, ex)
	}
	return out
}

// buildFrames resolves pcs into frames ordered oldest call first.
func buildFrames(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}
	if len(pcs) > MaxFrames {
		pcs = pcs[:MaxFrames]
	}

	var frames []Frame
	it := runtime.CallersFrames(pcs)
	for {
		rf, more := it.Next()
		if rf.Function != "" || rf.File != "" {
			frames = append(frames, newFrame(rf))
		}
		if !more {
			break
		}
	}

	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

func newFrame(rf runtime.Frame) Frame {
	module, function := splitFunction(rf.Function)
	f := Frame{
		Function: function,
		Module:   module,
		Filename: rf.File,
		InApp:    !IsSystemModule(module),
	}
	if rf.Line > 0 {
		f.Lineno = rf.Line
	}
	return f
}

// splitFunction splits a fully qualified Go function name such as
// "example.com/app/pkg.(*T).Method" into its package path and the rest.
func splitFunction(name string) (module, function string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return name, ""
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

// IsSystemModule reports whether module belongs to one of SystemPrefixes.
func IsSystemModule(module string) bool {
	for _, p := range SystemPrefixes {
		if hasPathPrefix(module, p) {
			return true
		}
	}
	return false
}

func hasPathPrefix(module, prefix string) bool {
	if !strings.HasPrefix(module, prefix) {
		return false
	}
	return len(module) == len(prefix) || module[len(prefix)] == '/'
}

// culprit returns "module.function" of the first frame that belongs to one
// of the application packages, searching from the innermost call outward.
func culprit(exceptions []Exception, appPackages []string) (string, bool) {
	if len(appPackages) == 0 {
		return "", false
	}
	for _, ex := range exceptions {
		if ex.Stacktrace == nil {
			continue
		}
		frames := ex.Stacktrace.Frames
		for i := len(frames) - 1; i >= 0; i-- {
			f := frames[i]
			for _, p := range appPackages {
				if hasPathPrefix(f.Module, p) {
					if f.Function == "" {
						return f.Module, true
					}
					return f.Module + "." + f.Function, true
				}
			}
		}
	}
	return "", false
}
