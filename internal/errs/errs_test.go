package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "batch", "Start", "read counter"))

	err := Wrap(ErrNotFound, "batch", "Start", "load device")
	assert.EqualError(t, err, "batch.Start: load device failed: not found")
	assert.True(t, IsNotFound(err))
}

func TestNotFoundAndInvalid(t *testing.T) {
	err := NotFound("device", "m-01")
	assert.EqualError(t, err, `device "m-01": not found`)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = Invalid("channel %d", 7)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Contains(t, err.Error(), "channel 7")
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrTransportUnavailable, true},
		{fmt.Errorf("publish: %w", ErrTransportUnavailable), true},
		{context.DeadlineExceeded, true},
		{ErrInvalidChannel, false},
		{ErrNotFound, false},
		{ErrInconsistentState, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.err), "%v", tc.err)
	}
}
