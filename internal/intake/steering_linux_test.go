//go:build linux

package intake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/turnpike/internal/logging"
	"grimm.is/turnpike/internal/testutil"
)

func TestPadInterfaceName(t *testing.T) {
	b := pad("eth0")
	require.Len(t, b, 16)
	assert.Equal(t, []byte("eth0"), b[:4])
	assert.Equal(t, make([]byte, 12), b[4:], "remainder must be null padding")

	long := pad("averylonginterface")
	require.Len(t, long, 16)
	assert.Equal(t, []byte("averylonginterfa"), long)
}

func TestSteeringInstallRemove(t *testing.T) {
	testutil.RequireVM(t)

	st, err := NewSteering(100, logging.Default())
	require.NoError(t, err)

	require.NoError(t, st.Install([]string{"lo"}))
	require.NoError(t, st.Remove())
}
