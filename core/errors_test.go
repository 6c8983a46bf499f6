package core_test

import (
	"errors"
	"testing"

	"github.com/dargueta/ipgresize/core"
	"github.com/stretchr/testify/assert"
)

func TestResizeErrorWithMessage(t *testing.T) {
	err := core.ErrNoSpace.WithMessage("needed %d blocks", 12)
	assert.Equal(t, "needed 12 blocks", err.Error())
	assert.ErrorIs(t, err, core.ErrNoSpace)
	assert.False(t, errors.Is(err, core.ErrIO))
}

func TestResizeErrorWrapError(t *testing.T) {
	cause := errors.New("disk gone")
	err := core.ErrIO.WrapError(cause)

	assert.ErrorIs(t, err, core.ErrIO)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestGroupErrorsAggregatesAndSkipsNil(t *testing.T) {
	var ge core.GroupErrors
	ge.Add(0, nil)
	ge.Add(1, errors.New("bad bitmap"))
	ge.Add(3, errors.New("bad descriptor"))

	err := ge.ErrorOrNil()
	require := assert.New(t)
	require.Error(err)
	require.Contains(err.Error(), "bad bitmap")
	require.Contains(err.Error(), "bad descriptor")
}

func TestGroupErrorsNilWhenNothingAdded(t *testing.T) {
	var ge core.GroupErrors
	assert.NoError(t, ge.ErrorOrNil())
}
