package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableMarkers(t *testing.T) {
	base := errors.New("bad message")

	assert.Nil(t, Recoverable(nil))
	assert.Nil(t, RecoverableAt(3, nil))
	assert.False(t, IsRecoverable(base))

	err := Recoverable(base)
	assert.True(t, IsRecoverable(err))
	assert.ErrorIs(t, err, base)
	_, ok := FailedAt(err)
	assert.False(t, ok)

	err = fmt.Errorf("dispatch: %w", RecoverableAt(2, base))
	assert.True(t, IsRecoverable(err))
	i, ok := FailedAt(err)
	assert.True(t, ok)
	assert.Equal(t, 2, i)

	i, ok = FailedAt(RecoverableAt(-4, base))
	assert.True(t, ok)
	assert.Zero(t, i)
}
