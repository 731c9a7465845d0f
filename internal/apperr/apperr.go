// internal/apperr/apperr.go

package apperr

import "fmt"

// Kind classifies an error by the phase that produced it. Fatality is a
// property of the kind: everything except Relay aborts the current run.
type Kind int

const (
	ConfigError Kind = iota
	ValidationError
	BootstrapError // key generation or installation
	TrustError     // unknown or changed host identity
	AuthError      // all authentication methods exhausted
	ProvisionError // template rendering, upload, build/start
	RelayError     // container exec; reported, not fatal
	IOError        // network or filesystem
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config"
	case ValidationError:
		return "validation"
	case BootstrapError:
		return "bootstrap"
	case TrustError:
		return "trust"
	case AuthError:
		return "auth"
	case ProvisionError:
		return "provision"
	case RelayError:
		return "relay"
	case IOError:
		return "io"
	default:
		return "unknown"
	}
}

type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Fatal reports whether an error should abort the run. Relay errors are
// operational and only logged; everything else terminates.
func Fatal(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return true
	}
	return k != RelayError
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}

// Is lets errors.Is match any AppError of the same kind.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}
