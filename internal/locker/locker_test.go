package locker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-counter-backend/internal/errs"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "device-lock:press-7", Key("press-7"))
}

func TestNoopLocker(t *testing.T) {
	release, err := NoopLocker{}.Lock(context.Background(), "dev")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestErrBusyIsInconsistentState(t *testing.T) {
	assert.True(t, errors.Is(ErrBusy, errs.ErrInconsistentState))
}
