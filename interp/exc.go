package interp

import (
	"errors"
	"fmt"

	"github.com/weft-dev/weft/vm"
)

// Exception kind names. Kinds form a small tree: GeneratorExit hangs off
// BaseException directly so that bare `excepts()` for ordinary errors can
// be written against Exception without swallowing generator shutdown.
const (
	KindBaseException     = "BaseException"
	KindException         = "Exception"
	KindGeneratorExit     = "GeneratorExit"
	KindStopIteration     = "StopIteration"
	KindValueError        = "ValueError"
	KindTypeError         = "TypeError"
	KindKeyError          = "KeyError"
	KindIndexError        = "IndexError"
	KindRuntimeError      = "RuntimeError"
	KindZeroDivisionError = "ZeroDivisionError"
)

var kindParents = map[string]string{
	KindException:         KindBaseException,
	KindGeneratorExit:     KindBaseException,
	KindStopIteration:     KindException,
	KindValueError:        KindException,
	KindTypeError:         KindException,
	KindKeyError:          KindException,
	KindIndexError:        KindException,
	KindRuntimeError:      KindException,
	KindZeroDivisionError: KindException,
}

// parentKind returns the parent of a kind; kinds the table doesn't know
// (user-defined) default to Exception.
func parentKind(kind string) string {
	if kind == KindBaseException {
		return ""
	}
	if p, ok := kindParents[kind]; ok {
		return p
	}
	return KindException
}

// KindMatches reports whether an exception of kind `kind` is caught by a
// handler clause naming `clause`, walking the parent chain.
func KindMatches(kind, clause string) bool {
	for k := kind; k != ""; k = parentKind(k) {
		if k == clause {
			return true
		}
	}
	return false
}

// Exc is an in-flight or handled guest exception. Identity matters:
// re-raising keeps the same *Exc, so handlers observing the same exception
// twice see one object. Exc values travel the operand stack like any other
// value.
type Exc struct {
	Kind string
	Msg  string
	// Value is an optional payload; StopIteration carries the generator's
	// return value here.
	Value vm.Value
	// Context is the exception that was being handled when this one was
	// raised (implicit chaining). Cause is the explicitly declared origin.
	Context *Exc
	Cause   *Exc
}

func NewExc(kind, msg string) *Exc {
	return &Exc{Kind: kind, Msg: msg}
}

func NewStopIteration(v vm.Value) *Exc {
	return &Exc{Kind: KindStopIteration, Value: v}
}

func (e *Exc) String() string {
	if e.Msg == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Exc) Matches(clause string) bool {
	return KindMatches(e.Kind, clause)
}

func (e *Exc) AsBool() bool    { return true }
func (e *Exc) Clone() vm.Value { return e } // identity: re-raise must preserve the object
func (e *Exc) Cmp(o vm.Value) (int, bool) {
	if ov, ok := o.(*Exc); ok && ov == e {
		return 0, true
	}
	return 0, false
}

// chainContext links a newly raised exception to the innermost exception
// currently being handled, unless that would introduce a cycle. The search
// walks the live frames from innermost out, since a handler may raise from
// inside a helper call.
func chainContext(e *Exc, stack []*StackFrame) {
	var cand *Exc
	for i := len(stack) - 1; i >= 0 && cand == nil; i-- {
		h := stack[i].Handled
		if len(h) > 0 {
			cand = h[len(h)-1]
		}
	}
	if cand == nil || cand == e || e.Context != nil {
		return
	}
	for o := cand; o != nil; o = o.Context {
		if o == e {
			// Linking would close a loop; leave the chain as it stands.
			return
		}
	}
	e.Context = cand
}

// UncaughtError adapts an exception that escaped the guest program into a
// Go error. Callers unwrap it with errors.As.
type UncaughtError struct {
	Exc *Exc
	// Line is the source line of the raise site when known.
	Line int
}

func (u *UncaughtError) Error() string {
	if u.Line > 0 {
		return fmt.Sprintf("Uncaught %s (line %d)", u.Exc, u.Line)
	}
	return fmt.Sprintf("Uncaught %s", u.Exc)
}

// AsExc extracts the guest exception from an error produced by the
// machine, if there is one.
func AsExc(err error) (*Exc, bool) {
	var u *UncaughtError
	if errors.As(err, &u) {
		return u.Exc, true
	}
	return nil, false
}

// excAttr serves the read-only accessor methods exposed on exception
// values inside the guest language.
func excAttr(e *Exc, name string) (vm.Value, bool) {
	switch name {
	case "kind":
		return vm.StrValue(e.Kind), true
	case "message":
		return vm.StrValue(e.Msg), true
	case "value":
		if e.Value == nil {
			return vm.None, true
		}
		return e.Value, true
	case "context":
		if e.Context == nil {
			return vm.None, true
		}
		return e.Context, true
	case "cause":
		if e.Cause == nil {
			return vm.None, true
		}
		return e.Cause, true
	}
	return nil, false
}
