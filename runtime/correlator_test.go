package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softair/roomsync"
)

func roomKey(payload []byte) (string, bool) {
	var m struct {
		RoomID string `json:"roomId"`
	}
	if json.Unmarshal(payload, &m) != nil || m.RoomID == "" {
		return "", false
	}
	return m.RoomID, true
}

func detail(id string, n int) map[string]any { return map[string]any{"roomId": id, "n": n} }

func seq(t *testing.T, r Result) int {
	t.Helper()
	require.NoError(t, r.Err)
	var m struct{ N int }
	require.NoError(t, json.Unmarshal(r.Payload, &m))
	return m.N
}

func TestResolveByKeyOutOfOrder(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	f2, r2 := collect()
	_, err := h.correlator.Request(ch, "101", detail("101", 0), 0, f1)
	require.NoError(t, err)
	_, err = h.correlator.Request(ch, "102", detail("102", 0), 0, f2)
	require.NoError(t, err)
	assert.Equal(t, 2, h.correlator.Pending())

	h.backend.Push("query_room_info", detail("102", 2))
	h.backend.Push("query_room_info", detail("101", 1))
	assert.Equal(t, 1, seq(t, await(t, r1)))
	assert.Equal(t, 2, seq(t, await(t, r2)))
	require.Eventually(t, func() bool { return h.correlator.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSerializePolicyMatchesFIFO(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	f2, r2 := collect()
	_, err := h.correlator.Register(ch, "101", f1)
	require.NoError(t, err)
	_, err = h.correlator.Register(ch, "101", f2)
	require.NoError(t, err)
	assert.Equal(t, 2, h.correlator.Outstanding(ch, "101"))

	h.backend.Push("query_room_info", detail("101", 1))
	h.backend.Push("query_room_info", detail("101", 2))
	assert.Equal(t, 1, seq(t, await(t, r1)))
	assert.Equal(t, 2, seq(t, await(t, r2)))
}

func TestOverwritePolicySupersedes(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateOverwrite)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	f2, r2 := collect()
	_, err := h.correlator.Register(ch, "101", f1)
	require.NoError(t, err)
	_, err = h.correlator.Register(ch, "101", f2)
	require.NoError(t, err)

	assert.ErrorIs(t, await(t, r1).Err, roomsync.ErrSuperseded)
	assert.Equal(t, 1, h.correlator.Outstanding(ch, "101"))
	h.backend.Push("query_room_info", detail("101", 7))
	assert.Equal(t, 7, seq(t, await(t, r2)))
}

func TestRejectPolicyRefusesDuplicate(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateReject)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	_, err := h.correlator.Register(ch, "101", f1)
	require.NoError(t, err)
	_, err = h.correlator.Register(ch, "101", func(Result) { t.Error("rejected waiter called") })
	assert.ErrorIs(t, err, roomsync.ErrDuplicateKey)

	// other keys are unaffected
	_, err = h.correlator.Register(ch, "102", func(Result) {})
	assert.NoError(t, err)

	h.backend.Push("query_room_info", detail("101", 1))
	assert.Equal(t, 1, seq(t, await(t, r1)))
}

func TestUnmatchedFramesGoToFallback(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	fallback := make(chan []byte, 4)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, func(_ *Channel, p []byte) { fallback <- p })
	h.open(t, roomsync.PurposeDetail)

	h.backend.Push("query_room_info", detail("555", 1))
	h.backend.Push("query_room_info", map[string]int{"n": 2})
	for i := 0; i < 2; i++ {
		select {
		case <-fallback:
		case <-time.After(2 * time.Second):
			t.Fatal("fallback not called")
		}
	}
}

// A late answer to a timed-out request must not be handed to the next
// request for the same key.
func TestTimeoutLeavesTombstone(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	fallback := make(chan []byte, 4)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, func(_ *Channel, p []byte) { fallback <- p })
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	_, err := h.correlator.Request(ch, "101", detail("101", 0), 300*time.Millisecond, f1)
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, r1).Err, roomsync.ErrTimeout)
	assert.Zero(t, h.correlator.Outstanding(ch, "101"))

	f2, r2 := collect()
	_, err = h.correlator.Request(ch, "101", detail("101", 0), 0, f2)
	require.NoError(t, err)

	h.backend.Push("query_room_info", detail("101", 1))
	select {
	case p := <-fallback:
		assert.Contains(t, string(p), `"n":1`)
	case <-time.After(2 * time.Second):
		t.Fatal("late answer not routed to fallback")
	}
	assertNoResult(t, r2)

	h.backend.Push("query_room_info", detail("101", 2))
	assert.Equal(t, 2, seq(t, await(t, r2)))
	assertNoResult(t, r1)
}

// An answer that never comes must not push every later answer for the same
// key one waiter down the queue.
func TestLostAnswerDoesNotStarveLaterRequests(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	fallback := make(chan []byte, 4)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, func(_ *Channel, p []byte) { fallback <- p })
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	_, err := h.correlator.Request(ch, "101", detail("101", 0), 300*time.Millisecond, f1)
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, r1).Err, roomsync.ErrTimeout)

	// the answer to the second request is indistinguishable from a late
	// answer to the first one
	f2, r2 := collect()
	_, err = h.correlator.Request(ch, "101", detail("101", 0), 300*time.Millisecond, f2)
	require.NoError(t, err)
	h.backend.Push("query_room_info", detail("101", 2))
	select {
	case <-fallback:
	case <-time.After(2 * time.Second):
		t.Fatal("answer not swallowed by the tombstone")
	}
	assert.ErrorIs(t, await(t, r2).Err, roomsync.ErrTimeout)

	for n := 3; n <= 5; n++ {
		f, r := collect()
		_, err = h.correlator.Request(ch, "101", detail("101", 0), time.Second, f)
		require.NoError(t, err)
		h.backend.Push("query_room_info", detail("101", n))
		assert.Equal(t, n, seq(t, await(t, r)))
	}
}

func TestExpiredTombstoneStepsAside(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	_, err := h.correlator.Request(ch, "101", detail("101", 0), 20*time.Millisecond, f1)
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, r1).Err, roomsync.ErrTimeout)
	time.Sleep(100 * time.Millisecond)

	f2, r2 := collect()
	_, err = h.correlator.Request(ch, "101", detail("101", 0), 0, f2)
	require.NoError(t, err)
	h.backend.Push("query_room_info", detail("101", 9))
	assert.Equal(t, 9, seq(t, await(t, r2)))
	assertNoResult(t, r1)
}

func TestSettledRequestCancelsTimer(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.backend.Handle("query_room_info", func(req []byte) []byte { return req })
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f, r := collect()
	_, err := h.correlator.Request(ch, "101", detail("101", 3), 100*time.Millisecond, f)
	require.NoError(t, err)
	assert.Equal(t, 3, seq(t, await(t, r)))
	// the timer would have fired by now; nothing else may arrive
	time.Sleep(150 * time.Millisecond)
	assertNoResult(t, r)
}

func TestCloseWithOutstandingFailsAsTransport(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.correlator.Route(roomsync.PurposeCommand, ConstantKey("command"), nil)
	ch := h.open(t, roomsync.PurposeCommand)

	f, r := collect()
	_, err := h.correlator.Request(ch, "command", map[string]string{"roomId": "101"}, 0, f)
	require.NoError(t, err)
	h.manager.Close(ch)

	res := await(t, r)
	assert.ErrorIs(t, res.Err, roomsync.ErrTransport)
	assert.Zero(t, h.correlator.Pending())
}

func TestDropWithOutstandingFailsAndReconnectKeepsNewWaiters(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.correlator.Route(roomsync.PurposeDetail, roomKey, nil)
	ch := h.open(t, roomsync.PurposeDetail)

	f1, r1 := collect()
	_, err := h.correlator.Request(ch, "101", detail("101", 0), 0, f1)
	require.NoError(t, err)
	h.backend.Drop("query_room_info")
	assert.ErrorIs(t, await(t, r1).Err, roomsync.ErrTransport)

	require.Eventually(t, func() bool {
		return ch.State() == StateOpen && h.backend.Dials("query_room_info") == 2 && h.backend.Conns("query_room_info") == 1
	}, 2*time.Second, 10*time.Millisecond)
	f2, r2 := collect()
	_, err = h.correlator.Request(ch, "101", detail("101", 0), 0, f2)
	require.NoError(t, err)
	h.backend.Push("query_room_info", detail("101", 5))
	assert.Equal(t, 5, seq(t, await(t, r2)))
}

func TestRequestOnClosedChannelIsWithdrawn(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.backend.Refuse("query_room_info", true)
	ch, err := h.manager.Open(roomsync.PurposeDetail, "")
	require.NoError(t, err)

	_, err = h.correlator.Request(ch, "101", detail("101", 0), time.Second, func(Result) { t.Error("withdrawn waiter called") })
	assert.ErrorIs(t, err, roomsync.ErrNotConnected)
	assert.Zero(t, h.correlator.Outstanding(ch, "101"))
}

func TestCallMapsDeadlineToTimeout(t *testing.T) {
	h := newHarness(t, roomsync.CorrelateSerialize)
	h.correlator.Route(roomsync.PurposeBill, ConstantKey("session"), nil)
	ch := h.open(t, roomsync.PurposeBill)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.correlator.Call(ctx, ch, "session", map[string]string{"roomId": "101"})
	assert.ErrorIs(t, err, roomsync.ErrTimeout)
	require.Eventually(t, func() bool { return h.correlator.Outstanding(ch, "session") == 0 }, time.Second, 5*time.Millisecond)

	h.backend.Handle("bill", func([]byte) []byte { return []byte(`{"bill":4.5}`) })
	// late answer to the first call
	h.backend.Push("bill", map[string]float64{"bill": 1})
	payload, err := h.correlator.Call(context.Background(), ch, "session", map[string]string{"roomId": "101"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"bill":4.5}`, string(payload))
}
