package objectstore

import (
	"errors"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

type fakeAPIError struct {
	code string
}

func (e fakeAPIError) Error() string        { return "fake: " + e.code }
func (e fakeAPIError) ErrorCode() string    { return e.code }
func (e fakeAPIError) ErrorMessage() string { return e.code }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

func TestIsNotFoundRecognizesNoSuchKey(t *testing.T) {
	assert.True(t, isNotFound(fakeAPIError{code: "NoSuchKey"}))
	assert.True(t, isNotFound(fakeAPIError{code: "NotFound"}))
	assert.False(t, isNotFound(fakeAPIError{code: "AccessDenied"}))
}

func TestIsNotFoundFallsBackToGenericError(t *testing.T) {
	assert.False(t, isNotFound(errors.New("connection refused")))
}
