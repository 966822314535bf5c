// Package skerr provides functions for wrapping errors with stack traces.
//
// Use skerr.Wrap or skerr.Wrapf at each return point where an error crosses a
// package boundary, and skerr.Fmt to create new errors. The stack trace of
// the original call to Wrap or Fmt is preserved through further wrapping.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace represents a single stack frame.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// CallStack returns a slice of StackTrace representing the current stack
// trace. The lines returned start at the given height above the current
// frame, and the slice contains at most the given depth of frames.
func CallStack(depth, startAt int) []StackTrace {
	stack := make([]StackTrace, 0, depth)
	for i := startAt + 1; len(stack) < depth; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		split := strings.Split(file, "/")
		if len(split) > 1 {
			file = split[len(split)-1]
		}
		stack = append(stack, StackTrace{File: file, Line: line})
	}
	return stack
}

// ErrorWithContext is an error plus the context of its creation: a call stack
// from where it was first wrapped or created, and any messages added while
// unwinding.
type ErrorWithContext struct {
	// Wrapped is the original error.
	Wrapped error
	// CallStack is the stack at the original Wrap/Fmt call. CallStack[0] is
	// the line where the error was first wrapped.
	CallStack []StackTrace
	// Context contains messages added by Wrapf, most recent first.
	Context []string
}

func (err *ErrorWithContext) Error() string {
	var sb strings.Builder
	for _, c := range err.Context {
		sb.WriteString(c)
		sb.WriteString(": ")
	}
	sb.WriteString(err.Wrapped.Error())
	if len(err.CallStack) > 0 {
		sb.WriteString(". At")
		for _, st := range err.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap implements the interface used by errors.Is and errors.As.
func (err *ErrorWithContext) Unwrap() error {
	return err.Wrapped
}

// Unwrap returns the original error if err was created by this package,
// otherwise returns err.
func Unwrap(err error) error {
	if withContext, ok := err.(*ErrorWithContext); ok {
		return withContext.Wrapped
	}
	return err
}

// Wrap adds a stack trace to err if it doesn't already have one. Returns nil
// if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(32, 1),
	}
}

// Wrapf adds a stack trace (if not already present) and a formatted message
// to err. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if withContext, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   withContext.Wrapped,
			CallStack: withContext.CallStack,
			Context:   append([]string{msg}, withContext.Context...),
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(32, 1),
		Context:   []string{msg},
	}
}

// Fmt creates a new error with a stack trace, formatting the message like
// fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: CallStack(32, 1),
	}
}
