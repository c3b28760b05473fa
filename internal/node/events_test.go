package node

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/p2pnet/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestEventKindNames(t *testing.T) {
	testlog.Start(t)

	names := map[EventKind]string{
		EventInboundConnected:            "inbound_connected",
		EventOutboundConnected:           "outbound_connected",
		EventInboundDisconnected:         "inbound_disconnected",
		EventOutboundDisconnected:        "outbound_disconnected",
		EventMessageReceived:             "message_received",
		EventOutboundDisconnectRequested: "outbound_disconnect_requested",
		EventStopRequested:               "stop_requested",
	}
	for kind, want := range names {
		require.Equal(t, want, kind.String())
	}
	require.Equal(t, "unknown", EventKind(0).String())
}

func TestEventFuncTagsEachCallback(t *testing.T) {
	testlog.Start(t)

	var got []EventKind
	h := EventFunc(func(e Event) { got = append(got, e.Kind) })

	h.InboundConnected(nil, nil)
	h.OutboundConnected(nil, nil)
	h.InboundDisconnected(nil, nil)
	h.OutboundDisconnected(nil, nil)
	h.MessageReceived(nil, nil, []byte("x"))
	h.OutboundDisconnectRequested(nil, nil)
	h.StopRequested(nil)

	require.Equal(t, []EventKind{
		EventInboundConnected,
		EventOutboundConnected,
		EventInboundDisconnected,
		EventOutboundDisconnected,
		EventMessageReceived,
		EventOutboundDisconnectRequested,
		EventStopRequested,
	}, got)
}

func TestSerializedRunsOneCallbackAtATime(t *testing.T) {
	testlog.Start(t)

	var active, peak atomic.Int32
	var calls atomic.Int32
	h := Serialized(EventFunc(func(Event) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		calls.Add(1)
		active.Add(-1)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.MessageReceived(nil, nil, nil)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 16*50, calls.Load())
	require.EqualValues(t, 1, peak.Load())
}

func TestSerializedNilUsesNop(t *testing.T) {
	testlog.Start(t)
	require.NotPanics(t, func() { Serialized(nil).StopRequested(nil) })
}

func TestIdentityDerivation(t *testing.T) {
	testlog.Start(t)

	id := deriveID("127.0.0.1", 9000, 42)
	require.Len(t, id, 128)
	require.Equal(t, strings.ToLower(id), id)
	require.Equal(t, id, deriveID("127.0.0.1", 9000, 42))
	require.NotEqual(t, id, deriveID("127.0.0.1", 9000, 43))
	require.NotEqual(t, id, deriveID("127.0.0.1", 9001, 42))

	a, err := NewIdentity("127.0.0.1", 9000)
	require.NoError(t, err)
	b, err := NewIdentity("127.0.0.1", 9000)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, "127.0.0.1:9000", a.Addr())
	require.Len(t, a.Short(), 12)
}
