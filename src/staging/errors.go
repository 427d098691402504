package staging

import (
	"errors"
	"fmt"
)

// Kind classifies installer failures so operators can tell a misconfigured
// node apart from a transient I/O error.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindDownload
	KindMove
	KindUninstall
	KindData
	KindUnsupportedType
)

var kindNames = map[Kind]string{
	KindConfiguration:   "configuration error",
	KindDownload:        "download error",
	KindMove:            "move error",
	KindUninstall:       "uninstall error",
	KindData:            "module data error",
	KindUnsupportedType: "unsupported module type",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("staging error kind %d", int(k))
}

// Error lets a bare Kind act as a match target: errors.Is(err, KindMove).
func (k Kind) Error() string { return k.String() }

// Error is the single failure type returned by the installer.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf extracts the kind of an installer error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// ErrUploadsDisabled is returned when module upload is administratively off.
var ErrUploadsDisabled = errors.New("module upload is disabled")
