package streams

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIDAge(t *testing.T) {
	age, err := idAge(fmt.Sprintf("%d-0", time.Now().Add(-2*time.Second).UnixMilli()))
	require.NoError(t, err)
	require.GreaterOrEqual(t, age, 2*time.Second)
	require.Less(t, age, time.Minute)

	// Entry IDs ahead of the local clock clamp to zero.
	age, err = idAge(fmt.Sprintf("%d-0", time.Now().Add(time.Hour).UnixMilli()))
	require.NoError(t, err)
	require.Zero(t, age)

	_, err = idAge("not-an-id")
	require.Error(t, err)
}
