package script

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/AKM/akm/protocol"
)

func TestScriptReplaysInOrder(t *testing.T) {
	require := require.New(t)

	a := New(protocol.UseKeys(1, 2))
	a.Push(protocol.Return(protocol.StatusUnknownSource))
	require.Equal(2, a.Pending())

	var hooked int
	a.Hook = func(*protocol.Request) { hooked++ }

	status, h := a.Init(&protocol.Configuration{Self: 1, Nodes: []uint64{1}})
	require.Equal(protocol.StatusSuccess, status)

	req := &protocol.Request{Handle: h, Event: protocol.EventRecvSE}
	require.Equal(protocol.UseKeys(1, 2), a.Process(req))
	require.Equal(protocol.Return(protocol.StatusUnknownSource), a.Process(req))
	require.Equal(protocol.Return(protocol.StatusSuccess), a.Process(req))
	require.Equal(3, hooked)
	require.Len(a.Requests(), 3)
	require.Equal(protocol.EventRecvSE, a.Requests()[0].Event)

	cfg, err := a.Config(h)
	require.NoError(err)
	require.Equal(uint64(1), cfg.Self)

	a.Free(h)
	require.True(a.Freed())
	_, err = a.Config(h)
	require.ErrorIs(err, ErrUnknownHandle)
}
