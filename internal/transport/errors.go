package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/emersion/go-smtp"
)

// Kind classifies a per-message transport failure
type Kind string

const (
	KindAuthFailure       Kind = "auth_failure"
	KindConnectFailure    Kind = "connect_failure"
	KindRejectedRecipient Kind = "rejected_recipient"
	KindTimeout           Kind = "timeout"
)

// Sentinels matched by *Error through errors.Is
var (
	ErrAuthFailure       = errors.New("authentication failed")
	ErrConnectFailure    = errors.New("connection failed")
	ErrRejectedRecipient = errors.New("recipient rejected")
	ErrTimeout           = errors.New("send timed out")

	// ErrConfigurationInvalid is returned when a transport cannot be built
	ErrConfigurationInvalid = errors.New("invalid transport configuration")
)

// Error is a failed send of one message
type Error struct {
	Kind       Kind
	Message    string
	Credential string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the underlying cause
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (k Kind) sentinel() error {
	switch k {
	case KindAuthFailure:
		return ErrAuthFailure
	case KindRejectedRecipient:
		return ErrRejectedRecipient
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrConnectFailure
	}
}

// KindOf returns the kind of a transport error, or "" for other errors
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// SMTP stages used when classifying errors
const (
	stageConnect = "connect"
	stageHello   = "EHLO"
	stageTLS     = "STARTTLS"
	stageAuth    = "AUTH"
	stageMail    = "MAIL FROM"
	stageRcpt    = "RCPT TO"
	stageData    = "DATA"
)

// categorizeError maps an SMTP conversation error onto a Kind
func categorizeError(err error, stage string) *Error {
	if isTimeout(err) {
		return newError(KindTimeout, err, "%s timed out: %v", stage, err)
	}

	code := 0
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		code = se.Code
	} else if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		code, _ = strconv.Atoi(m[1])
	}

	switch {
	case stage == stageAuth:
		return newError(KindAuthFailure, err, "%s failed: %v", stage, err)
	case code == 530 || code == 534 || code == 535:
		return newError(KindAuthFailure, err, "%s failed: %v", stage, err)
	case stage == stageRcpt && code >= 500:
		return newError(KindRejectedRecipient, err, "%s failed: %v", stage, err)
	}
	return newError(KindConnectFailure, err, "%s failed: %v", stage, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
