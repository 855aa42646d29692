// Package xerrors wraps errors with call-site stack data that the log
// package renders at error level.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }

func captureStack(skip int) []uintptr {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	// 2 skips runtime.Callers + captureStack
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func stacked(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

// WithStack attaches the current stack to err.
func WithStack(err error) error { return stacked(err, 2) }

// EnsureTrace attaches a stack only if err does not already carry one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return stacked(err, 2)
}

// Wrap annotates err with msg, keeping err unwrappable.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return stacked(fmt.Errorf("%s: %w", msg, err), 2)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return stacked(fmt.Errorf(format+": %w", append(args, err)...), 2)
}

func New(msg string) error             { return stacked(errors.New(msg), 2) }
func Newf(f string, args ...any) error { return stacked(fmt.Errorf(f, args...), 2) }
