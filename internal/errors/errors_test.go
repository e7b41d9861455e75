package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvalidState_CarriesStatuses(t *testing.T) {
	err := InvalidState("approval_task", "t-1", "APPROVED", "PENDING")

	assert.Equal(t, ErrCodeInvalidState, err.Code)
	assert.Contains(t, err.Error(), "approval_task t-1 is APPROVED, expected PENDING")
	assert.Equal(t, "APPROVED", err.Details["current_status"])
	assert.Equal(t, []string{"PENDING"}, err.Details["required_status"])
}

func TestWrap_KeepsAppErrorCode(t *testing.T) {
	inner := NotFound("approval_instance", "i-1")
	wrapped := Wrap(inner, ErrCodeInternal, "lookup failed")

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.Same(t, inner, wrapped)
}

func TestWrap_PlainError(t *testing.T) {
	base := stderrors.New("boom")
	wrapped := Wrap(base, ErrCodeInternal, "failed")

	assert.Equal(t, ErrCodeInternal, CodeOf(wrapped))
	assert.True(t, stderrors.Is(wrapped, base))
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
}

func TestPersistence_IsRetryable(t *testing.T) {
	err := fmt.Errorf("outer: %w", Persistence(stderrors.New("conn reset"), "failed to lock instance"))

	assert.True(t, Is(err, ErrCodePersistence))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(Unauthorized("nope")))
}

func TestCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("x")))
	assert.False(t, Is(nil, ErrCodeInternal))
	assert.Nil(t, DetailsOf(stderrors.New("x")))
}
