package instrument

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/AKM/akm/protocol"
)

func TestCounters(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(commands.WithLabelValues("7", "MOVE_KEY"))
	Command(7, protocol.OpMoveKey)
	Command(7, protocol.OpMoveKey)
	require.Equal(t, before+2, testutil.ToFloat64(commands.WithLabelValues("7", "MOVE_KEY")))

	DecryptFailure(7)
	require.GreaterOrEqual(t, testutil.ToFloat64(decryptFailures.WithLabelValues("7")), 1.0)

	ConnOpened("inbound")
	ConnClosed("inbound")
	require.Equal(t, 0.0, testutil.ToFloat64(connections.WithLabelValues("inbound")))
	require.NotNil(t, Handler())
}
