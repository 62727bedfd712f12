package source

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAuthentication is matched by connection failures caused by bad credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNoOrderingKey means a table has neither indexes nor columns to order by.
	ErrNoOrderingKey = errors.New("no ordering key")
)

// AuthError is returned by Connect when the server rejects the credentials.
// It is never retryable.
type AuthError struct {
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("connecting to %s: %s: %v", e.Addr, ErrAuthentication, e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{ErrAuthentication, e.Err}
}

func (e *AuthError) IsRetryable() bool { return false }

// IsAuthError reports whether err is a credential rejection. SQLSTATE 28P01
// (invalid_password) and 28000 (invalid_authorization_specification) are
// checked first, then the server message.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "28P01" || pgErr.Code == "28000" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") || strings.Contains(msg, "password authentication")
}

// SQLState returns the SQLSTATE of a server error in err's chain, or "".
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
