package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	base := New(TrustError, "host identity changed", nil)
	wrapped := fmt.Errorf("connecting: %w", fmt.Errorf("handshake: %w", base))

	kind, ok := KindOf(wrapped)
	if !ok || kind != TrustError {
		t.Errorf("KindOf = %v, %v", kind, ok)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("plain errors carry no kind")
	}
	if _, ok := KindOf(nil); ok {
		t.Error("nil carries no kind")
	}
}

func TestFatal(t *testing.T) {
	if Fatal(Newf(RelayError, "command failed")) {
		t.Error("relay errors must not be fatal")
	}
	for _, kind := range []Kind{ConfigError, ValidationError, BootstrapError, TrustError, AuthError, ProvisionError, IOError} {
		if !Fatal(Newf(kind, "boom")) {
			t.Errorf("%v errors must be fatal", kind)
		}
	}
	if !Fatal(errors.New("unclassified")) {
		t.Error("unclassified errors must be fatal")
	}
}

func TestErrorFormatting(t *testing.T) {
	inner := errors.New("connection refused")
	err := New(IOError, "dialing host", inner)
	if err.Error() != "dialing host: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("wrapped error not reachable via errors.Is")
	}

	bare := Newf(AuthError, "no methods left for %s", "alice")
	if bare.Error() != "no methods left for alice" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := New(AuthError, "password rejected", nil)
	if !errors.Is(err, &AppError{Kind: AuthError}) {
		t.Error("same-kind match failed")
	}
	if errors.Is(err, &AppError{Kind: TrustError}) {
		t.Error("different kinds must not match")
	}
}
