package runner

// Kind classifies a failed run.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindCLI     Kind = "cli_error"
	KindParse   Kind = "parse_error"
)

// Error is returned by Run for every failure. Match a kind with
// errors.Is(err, ErrTimeout) and friends.
type Error struct {
	Kind    Kind
	Message string
}

var (
	ErrTimeout = &Error{Kind: KindTimeout}
	ErrCLI     = &Error{Kind: KindCLI}
	ErrParse   = &Error{Kind: KindParse}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}
