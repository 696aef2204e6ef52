package outcome

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOK(t *testing.T) {
	r := OK(42)
	assert.True(t, r.IsOK())
	assert.False(t, r.IsDegraded())

	v, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Empty(t, r.ErrorMessage())
}

func TestDegradedKeepsValueAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	r := Degraded("placeholder", cause)

	assert.True(t, r.IsDegraded())
	v, err := r.Get()
	require.NoError(t, err)
	assert.Equal(t, "placeholder", v)
	assert.Equal(t, "connection refused", r.ErrorMessage())
}

func TestFailedHasNoValue(t *testing.T) {
	r := Failed[string](errors.New("boom"))

	assert.True(t, r.IsFailed())
	v, err := r.Get()
	require.Error(t, err)
	assert.Empty(t, v)
}
