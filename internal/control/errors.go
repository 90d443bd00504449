package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/sonarled/internal/hba"
)

// ErrAlreadyRun is returned when Run is called more than once on a loop.
var ErrAlreadyRun = errors.New("control: loop already run")

// ParseError reports a sensor payload that is not a hex number.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("control: malformed distance %q: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseDistance decodes a sensor payload. Surrounding whitespace and an
// optional 0x prefix are accepted.
func ParseDistance(raw string) (uint64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	d, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, &ParseError{Raw: raw, Err: err}
	}
	return d, nil
}

// FormatLevel encodes a level the way hba_basicio expects it: lowercase hex,
// no prefix.
func FormatLevel(level uint8) string {
	return strconv.FormatUint(uint64(level), 16)
}

// Failure classes reported by Classify.
const (
	ClassCanceled   = "canceled"
	ClassConnection = "connection"
	ClassClosed     = "closed"
	ClassIO         = "io"
	ClassParse      = "parse"
	ClassUnknown    = "unknown"
)

// Classify names the failure class of an error returned by Run.
func Classify(err error) string {
	var (
		connErr  *hba.ConnectionError
		ioErr    *hba.IOError
		parseErr *ParseError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.As(err, &connErr):
		return ClassConnection
	case errors.Is(err, hba.ErrConnectionClosed):
		return ClassClosed
	case errors.As(err, &ioErr):
		return ClassIO
	case errors.As(err, &parseErr):
		return ClassParse
	default:
		return ClassUnknown
	}
}
