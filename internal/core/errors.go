package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures.
type ErrorKind int

const (
	KindAlreadyStarted ErrorKind = iota + 1
	KindNotRunning
	KindVolumeNotReady
	KindSessionError
	KindSecretsMissing
	KindPreflightFailed
	KindUnknownOperation
	KindMissingFile
	KindDuplicateNode
	KindTagFailed
)

var kindNames = map[ErrorKind]string{
	KindAlreadyStarted:   "already started",
	KindNotRunning:       "not running",
	KindVolumeNotReady:   "volume not ready",
	KindSessionError:     "session error",
	KindSecretsMissing:   "secrets missing",
	KindPreflightFailed:  "preflight failed",
	KindUnknownOperation: "unknown operation",
	KindMissingFile:      "missing file",
	KindDuplicateNode:    "duplicate node",
	KindTagFailed:        "tag failed",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure, optionally tied to a node.
type Error struct {
	Kind ErrorKind
	Node string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Node != "" {
		msg = e.Node + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Node == "" || t.Node == e.Node)
}

var (
	ErrAlreadyStarted   = &Error{Kind: KindAlreadyStarted}
	ErrNotRunning       = &Error{Kind: KindNotRunning}
	ErrVolumeNotReady   = &Error{Kind: KindVolumeNotReady}
	ErrSessionError     = &Error{Kind: KindSessionError}
	ErrSecretsMissing   = &Error{Kind: KindSecretsMissing}
	ErrPreflightFailed  = &Error{Kind: KindPreflightFailed}
	ErrUnknownOperation = &Error{Kind: KindUnknownOperation}
	ErrMissingFile      = &Error{Kind: KindMissingFile}
	ErrDuplicateNode    = &Error{Kind: KindDuplicateNode}
	ErrTagFailed        = &Error{Kind: KindTagFailed}
)

func newError(kind ErrorKind, node string, err error) *Error {
	return &Error{Kind: kind, Node: node, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
