package model

import (
	"errors"
	"fmt"
)

// ErrorKind names a class of kernel failure.
type ErrorKind string

const (
	KindKernelException      ErrorKind = "KernelException"
	KindUnknownModel         ErrorKind = "UnknownModel"
	KindUnknownNode          ErrorKind = "UnknownNode"
	KindBadParameter         ErrorKind = "BadParameter"
	KindDictError            ErrorKind = "DictError"
	KindIllegalConnection    ErrorKind = "IllegalConnection"
	KindInexistentConnection ErrorKind = "InexistentConnection"
	KindBadDelay             ErrorKind = "BadDelay"
	KindNumerical            ErrorKind = "NumericalInstability"
	KindDistributed          ErrorKind = "DistributedError"
)

// ErrorKinds lists every kind, root first.
var ErrorKinds = []ErrorKind{
	KindKernelException,
	KindUnknownModel,
	KindUnknownNode,
	KindBadParameter,
	KindDictError,
	KindIllegalConnection,
	KindInexistentConnection,
	KindBadDelay,
	KindNumerical,
	KindDistributed,
}

// KernelError is the error type every kernel operation returns. Command is
// the public operation that failed (Create, Connect, Simulate, ...).
type KernelError struct {
	Kind    ErrorKind
	Command string
	Message string
	Err     error
}

// Sentinels for errors.Is. ErrKernelException matches every KernelError.
var (
	ErrKernelException      = &KernelError{Kind: KindKernelException}
	ErrUnknownModel         = &KernelError{Kind: KindUnknownModel}
	ErrUnknownNode          = &KernelError{Kind: KindUnknownNode}
	ErrBadParameter         = &KernelError{Kind: KindBadParameter}
	ErrDictError            = &KernelError{Kind: KindDictError}
	ErrIllegalConnection    = &KernelError{Kind: KindIllegalConnection}
	ErrInexistentConnection = &KernelError{Kind: KindInexistentConnection}
	ErrBadDelay             = &KernelError{Kind: KindBadDelay}
	ErrNumerical            = &KernelError{Kind: KindNumerical}
	ErrDistributed          = &KernelError{Kind: KindDistributed}
)

// Errorf builds a KernelError of the given kind without a command; the
// kernel's public entry points fill the command in.
func Errorf(kind ErrorKind, format string, args ...any) *KernelError {
	return &KernelError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a KernelError of the given kind around cause.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *KernelError {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &KernelError{Kind: kind, Message: msg, Err: cause}
}

func (e *KernelError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.Command, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is matches sentinels by kind. The root sentinel matches any kind.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	if t.Command != "" || t.Message != "" {
		return t == e
	}
	return t.Kind == KindKernelException || t.Kind == e.Kind
}

// InCommand attaches command to err. Errors that are not KernelErrors are
// wrapped as KernelException so callers always see the taxonomy.
func InCommand(command string, err error) error {
	if err == nil {
		return nil
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		if ke.Command != "" {
			return err
		}
		cp := *ke
		cp.Command = command
		return &cp
	}
	return &KernelError{Kind: KindKernelException, Command: command, Message: err.Error(), Err: err}
}

// KindOf reports the kind of err, or "" when err is not a KernelError.
func KindOf(err error) ErrorKind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// ParseErrorKind maps a kind name back to the ErrorKind.
func ParseErrorKind(name string) (ErrorKind, bool) {
	for _, k := range ErrorKinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}
