package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
)

// Kind classifies every failure that crosses the manager boundary
type Kind int

const (
	UserCancelled Kind = iota + 1
	PermissionDenied
	ConnectFailure
	DiscoveryFailure
	ParseFailure
	WriteFailure
	UnsolicitedDisconnect
	TimeoutFailure
)

func (k Kind) String() string {
	switch k {
	case UserCancelled:
		return "user cancelled"
	case PermissionDenied:
		return "permission denied"
	case ConnectFailure:
		return "connect failure"
	case DiscoveryFailure:
		return "discovery failure"
	case ParseFailure:
		return "parse failure"
	case WriteFailure:
		return "write failure"
	case UnsolicitedDisconnect:
		return "unsolicited disconnect"
	case TimeoutFailure:
		return "timeout"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Operations named in errors
const (
	OpChoose     = "choose"
	OpConnect    = "connect"
	OpDiscover   = "discover"
	OpSubscribe  = "subscribe"
	OpNotify     = "notify"
	OpWrite      = "write"
	OpDisconnect = "disconnect"
)

// Error is a classified failure. Msg, when set, replaces the default user-facing text.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, ErrTimeoutFailure) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// UserMessage is the text shown to the rider
func (e *Error) UserMessage() string {
	if e.Msg != "" {
		return e.Msg
	}
	switch e.Kind {
	case UserCancelled:
		return "Device selection cancelled"
	case PermissionDenied:
		return "Bluetooth is unavailable. Enable Bluetooth and allow this app to use it"
	case TimeoutFailure:
		return "Connection timed out"
	case UnsolicitedDisconnect:
		return "Device disconnected"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", capitalize(e.Kind.String()), e.Err)
	}
	return capitalize(e.Kind.String())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}

// Sentinels for errors.Is
var (
	ErrUserCancelled         = &Error{Kind: UserCancelled}
	ErrPermissionDenied      = &Error{Kind: PermissionDenied}
	ErrConnectFailure        = &Error{Kind: ConnectFailure}
	ErrDiscoveryFailure      = &Error{Kind: DiscoveryFailure}
	ErrParseFailure          = &Error{Kind: ParseFailure}
	ErrWriteFailure          = &Error{Kind: WriteFailure}
	ErrUnsolicitedDisconnect = &Error{Kind: UnsolicitedDisconnect}
	ErrTimeoutFailure        = &Error{Kind: TimeoutFailure}
)

// errAborted marks an attempt retired by Disconnect or link loss while in flight
var errAborted = errors.New("connection attempt aborted")

// Classify translates err raised during op into a *Error. It is the only place
// platform errors are interpreted.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	err = bt.NormalizeError(err)
	var notFound *bt.NotFoundError

	kind := kindForOp(op)
	switch {
	case errors.Is(err, bt.ErrScanInProgress):
		return &Error{Kind: UserCancelled, Op: op, Msg: "A device scan is already running", Err: err}
	case errors.Is(err, bt.ErrChooserCancelled), errors.Is(err, bt.ErrNoDeviceFound),
		errors.Is(err, context.Canceled), errors.Is(err, errAborted):
		kind = UserCancelled
	case errors.Is(err, bt.ErrAdapterUnavailable), errors.Is(err, bt.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, bt.ErrTimeout):
		kind = TimeoutFailure
	case errors.As(err, &notFound):
		kind = DiscoveryFailure
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindForOp(op string) Kind {
	switch op {
	case OpDiscover, OpSubscribe:
		return DiscoveryFailure
	case OpWrite:
		return WriteFailure
	case OpNotify:
		return ParseFailure
	default:
		return ConnectFailure
	}
}
