package source

import "errors"

// Kind names one of the recoverable ways a fetch can fail.
type Kind string

const (
	KindNotFound         Kind = "source_not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindUnreadable       Kind = "source_unreadable"
	KindQueryFailed      Kind = "query_failed"
)

var hints = map[Kind]string{
	KindNotFound:         "check that the activity source path exists",
	KindPermissionDenied: "grant read access to the activity source (Full Disk Access on macOS)",
	KindUnreadable:       "the activity source is damaged or in an unexpected format; try again later",
	KindQueryFailed:      "reading the activity source failed; try again later",
}

// Sentinels for errors.Is. A *Error matches the sentinel of its kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrUnreadable       = &Error{Kind: KindUnreadable}
	ErrQueryFailed      = &Error{Kind: KindQueryFailed}
)

// Error is a classified fetch failure.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func newError(kind Kind, path string, cause error) error {
	return &Error{Kind: kind, Path: path, Err: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil && t.Path == ""
}

func (e *Error) Hint() string {
	return hints[e.Kind]
}

// Retryable reports whether repeating the fetch unchanged may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnreadable || e.Kind == KindQueryFailed
}

func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

func HintOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Hint()
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return false
}
