// Package errors provides error wrapping utilities for context-aware error messages
// and the failure kinds the build pipeline reports.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies why a build aborted.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUsage covers bad arguments and missing privilege.
	KindUsage
	// KindDiscovery covers artifacts that are missing from the image.
	KindDiscovery
	// KindMount covers failing loop mounts.
	KindMount
	// KindBuild covers staging, archiver and upload failures.
	KindBuild
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindDiscovery:
		return "discovery"
	case KindMount:
		return "mount"
	case KindBuild:
		return "build"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newKind(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Usage returns a KindUsage error.
func Usage(format string, args ...any) error { return newKind(KindUsage, format, args...) }

// Discovery returns a KindDiscovery error.
func Discovery(format string, args ...any) error { return newKind(KindDiscovery, format, args...) }

// Mount returns a KindMount error.
func Mount(format string, args ...any) error { return newKind(KindMount, format, args...) }

// Build returns a KindBuild error.
func Build(format string, args ...any) error { return newKind(KindBuild, format, args...) }

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is and As forward to the standard library so callers only import one errors package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
