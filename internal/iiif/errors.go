package iiif

import (
	"errors"
	"fmt"
)

// Kind classifies parameter and resolution failures so the HTTP layer can map
// them to status codes without string matching.
type Kind int

const (
	KindNone Kind = iota
	KindBadRegion
	KindBadSize
	KindBadRotation
	KindBadQualityFormat
	KindBadIdentifier
	KindUpscalingForbidden
	KindSizeTooLarge
	KindUnsupportedFormat
	KindNotResolved
)

// Error carries the failure kind together with a human readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from err, or KindNone for foreign errors.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindNone
}
