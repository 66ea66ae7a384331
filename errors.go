package ldapstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrNotFound is returned by Get and Load when no entry matches.
var ErrNotFound = errors.New("no matching entry")

// ErrorCategory classifies directory errors by how the caller should react.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategorySchema         ErrorCategory = "schema"
	ErrorCategoryProtocol       ErrorCategory = "protocol"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryCancelled      ErrorCategory = "cancelled"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// Error is the typed error surfaced for every failed directory exchange.
// Operation names the logical call the consumer issued (search, bind,
// modify, ...) so failures read from the caller's perspective; the wire-level
// cause is preserved through Unwrap.
type Error struct {
	Operation string
	Category  ErrorCategory
	LDAPCode  uint16
	Message   string
	DN        string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("ldap %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("ldap %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// ConnectionError reports a connect, StartTLS or bind failure. The
// half-created connection is already discarded when this is returned.
type ConnectionError struct {
	message string
	cause   error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{message: message, cause: cause}
}

// wrapError wraps a wire-level error with the logical operation that failed.
func wrapError(operation, dn string, err error) error {
	if err == nil {
		return nil
	}

	if typed := (*Error)(nil); errors.As(err, &typed) {
		return err
	}
	if connErr := (*ConnectionError)(nil); errors.As(err, &connErr) {
		return err
	}

	wrapped := &Error{
		Operation: operation,
		DN:        dn,
		Cause:     err,
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		wrapped.LDAPCode = ldapErr.ResultCode
		wrapped.Category = categorizeCode(ldapErr.ResultCode)
		wrapped.Retryable = isCodeRetryable(ldapErr.ResultCode)
		if ldapErr.Err != nil {
			wrapped.Message = ldapErr.Err.Error()
		}
	} else {
		wrapped.Category = categorizeGenericError(err)
		wrapped.Retryable = wrapped.Category == ErrorCategoryConnection
		wrapped.Message = err.Error()
	}

	return wrapped
}

// categorizeCode maps an LDAP result code to an error category.
func categorizeCode(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject:
		return ErrorCategoryNotFound

	case ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultObjectClassViolation:
		return ErrorCategorySchema

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError:
		return ErrorCategoryConnection

	case ldap.LDAPResultProtocolError:
		return ErrorCategoryProtocol

	case ldap.LDAPResultUserCanceled:
		return ErrorCategoryCancelled

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors by message.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset"):
		return ErrorCategoryConnection

	case strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "authentication"):
		return ErrorCategoryAuthentication

	default:
		return ErrorCategoryUnknown
	}
}

// isCodeRetryable reports whether a result code indicates a transient condition.
func isCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Category
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorCategoryConnection
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return categorizeCode(ldapErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a missing entry.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsSchemaError checks if the server rejected an attribute or value as
// undefined by its schema.
func IsSchemaError(err error) bool {
	return GetErrorCategory(err) == ErrorCategorySchema
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsRetryableError checks if an error is worth retrying on a fresh connection.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.IsRetryable()
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return isCodeRetryable(ldapErr.ResultCode)
	}

	return categorizeGenericError(err) == ErrorCategoryConnection
}
