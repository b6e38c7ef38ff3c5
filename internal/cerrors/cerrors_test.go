package cerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorRetryable(t *testing.T) {
	assert.True(t, (&APIError{Code: "DependencyViolation"}).Retryable())
	assert.True(t, (&APIError{Code: "RequestLimitExceeded"}).Retryable())
	assert.False(t, (&APIError{Code: "InvalidParameterValue"}).Retryable())
}

func TestAPIErrorIsNotFoundOnCleanup(t *testing.T) {
	assert.True(t, (&APIError{Code: "InvalidGroup.NotFound"}).IsNotFoundOnCleanup())
	assert.True(t, (&APIError{Code: "InvalidInstanceID.NotFound"}).IsNotFoundOnCleanup())
	assert.False(t, (&APIError{Code: "UnauthorizedOperation"}).IsNotFoundOnCleanup())
}

func TestErrorTypesUnwrapToCause(t *testing.T) {
	cause := errors.New("boom")
	for _, err := range []error{
		&CredentialsError{Cause: cause},
		&AuthzError{Operation: "RunInstances", Cause: cause},
		&APIError{Code: "X", Cause: cause},
		&ConnectionError{Cause: cause},
		&UnreachableError{Host: "1.2.3.4", Cause: cause},
		&FatalError{Cause: cause},
	} {
		assert.ErrorIs(t, err, cause, "%T should unwrap to its cause", err)
	}
}

func TestErrorsAsDispatch(t *testing.T) {
	var err error = &AuthzError{Operation: "RunInstances", Cause: errors.New("denied")}
	var authz *AuthzError
	assert.True(t, errors.As(err, &authz))
	assert.Equal(t, "RunInstances", authz.Operation)
}
