package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesAppErrorStatus(t *testing.T) {
	base := UnknownClient("abc")
	wrapped := Wrap(base, "heartbeat")

	assert.Equal(t, ErrCodeUnknownClient, wrapped.Code)
	assert.Equal(t, http.StatusNotFound, wrapped.HTTPStatus)
	assert.True(t, stderrors.Is(wrapped, base))
	assert.True(t, IsNotFound(wrapped))
}

func TestWrap_PlainErrorBecomesInternal(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("disk full"), "store")
	assert.Equal(t, ErrCodeInternalError, wrapped.Code)
	assert.Equal(t, http.StatusInternalServerError, StatusOf(wrapped))
	assert.Nil(t, Wrap(nil, "noop"))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusOf(MalformedPayload("bad json", nil)))
	assert.Equal(t, http.StatusUnauthorized, StatusOf(Unauthorized("no token")))
	assert.Equal(t, http.StatusConflict, StatusOf(fmt.Errorf("enqueue: %w", Conflict("dup"))))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(stderrors.New("boom")))
}

func TestAppError_ErrorString(t *testing.T) {
	err := MalformedPayload("bad body", fmt.Errorf("EOF"))
	assert.Equal(t, "MALFORMED_PAYLOAD: bad body: EOF", err.Error())
	assert.Equal(t, "NOT_FOUND: task 't1' not found", NotFound("task", "t1").Error())
}
