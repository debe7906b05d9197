package bulk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/internal/testbackend"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/runtime"
	"github.com/softair/roomsync/store"
)

type countingResync struct{ n atomic.Int32 }

func (c *countingResync) Refresh() { c.n.Add(1) }

type fixture struct {
	backend *testbackend.Backend
	store   *store.Store
	exec    *Executor
	resync  *countingResync
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	b := testbackend.New(t)
	opts := roomsync.DefaultOptions()
	opts.BackendURL = b.URL()
	opts.HandshakeTimeout = time.Second

	loop := runtime.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	m := runtime.NewManager(opts, loop, nil)
	c := runtime.NewCorrelator(m, loop, roomsync.CorrelateSerialize, nil)
	st := store.New()
	rs := &countingResync{}
	ex := NewExecutor(m, c, loop, st, rs, timeout, nil)
	t.Cleanup(func() {
		m.Shutdown()
		cancel()
		<-loop.Done()
	})
	return &fixture{backend: b, store: st, exec: ex, resync: rs}
}

func (f *fixture) seed(rooms map[string]roomsync.Status) {
	items := make([]protocol.InventoryItem, 0, len(rooms))
	for id, s := range rooms {
		s := s
		items = append(items, protocol.InventoryItem{RoomID: roomsync.RoomID(id), Status: &s})
	}
	f.store.ApplySnapshot(items)
}

// answer replies to every command with the requested state, or with
// override[roomId] when one is set. Rooms in silent get no answer.
func (f *fixture) answer(override map[string]string, silent ...string) {
	quiet := make(map[string]bool)
	for _, id := range silent {
		quiet[id] = true
	}
	f.backend.HandleJSON("room", func(req map[string]any) any {
		id, _ := req["roomId"].(string)
		if quiet[id] {
			return nil
		}
		state := req["state"]
		if o, ok := override[id]; ok {
			state = o
		}
		return map[string]any{"state": state, "bill": 2.5}
	})
}

func TestRunBulkEmpty(t *testing.T) {
	f := newFixture(t, time.Second)
	res, err := f.exec.RunBulk(context.Background(), nil, SetState(roomsync.PowerOn), func(Progress) {
		t.Error("progress on empty batch")
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Success)
	assert.Equal(t, 0, res.Total)
	assert.Zero(t, f.resync.n.Load())
	assert.Zero(t, f.backend.Dials("room"))
}

func TestRunBulkAllSucceed(t *testing.T) {
	f := newFixture(t, time.Second)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff, "102": roomsync.StatusOff, "103": roomsync.StatusFree})
	f.answer(nil)

	res, err := f.exec.RunBulk(context.Background(), f.store.Keys(), SetState(roomsync.PowerOn), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, int32(1), f.resync.n.Load())

	for _, id := range f.store.Keys() {
		r, err := f.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, roomsync.StatusRunning, *r.Status, id)
		assert.Equal(t, 2.5, *r.Bill, id)
	}
	for _, q := range f.backend.Queries("room") {
		assert.Equal(t, "roomId=000", q)
	}
	require.Eventually(t, func() bool { return f.backend.Conns("room") == 0 }, time.Second, 10*time.Millisecond)
}

// 101 is already off and counts as a success without a channel; 102's
// channel never opens.
func TestRunBulkShortCircuitAndTransportFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff, "102": roomsync.StatusRunning})
	f.backend.Refuse("room", true)

	var mu sync.Mutex
	outcomes := map[roomsync.RoomID]roomsync.Outcome{}
	res, err := f.exec.RunBulk(context.Background(), []roomsync.RoomID{"101", "102"}, SetState(roomsync.PowerOff), func(p Progress) {
		mu.Lock()
		outcomes[p.RoomID] = p.Outcome
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, roomsync.OutcomeSuccess, outcomes["101"])
	assert.Equal(t, roomsync.OutcomeTransportFailure, outcomes["102"])
	assert.Equal(t, 1, f.backend.Dials("room"))

	r, _ := f.store.Get("102")
	assert.Equal(t, roomsync.StatusRunning, *r.Status)
}

func TestRunBulkAllTimeOutSettlesOnce(t *testing.T) {
	f := newFixture(t, 80*time.Millisecond)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff, "102": roomsync.StatusOff, "103": roomsync.StatusOff})
	f.answer(nil, "101", "102", "103")

	var calls []Progress
	start := time.Now()
	res, err := f.exec.RunBulk(context.Background(), f.store.Keys(), SetState(roomsync.PowerOn), func(p Progress) {
		calls = append(calls, p)
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, res.Success)
	assert.Equal(t, 3, res.Total)

	require.Len(t, calls, 3)
	for i, p := range calls {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, roomsync.OutcomeTimeout, p.Outcome)
	}
	assert.Equal(t, int32(1), f.resync.n.Load())
}

func TestRunBulkBusinessFailureLeavesStore(t *testing.T) {
	f := newFixture(t, time.Second)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff, "102": roomsync.StatusOff})
	f.answer(map[string]string{"102": "off"})

	res, err := f.exec.RunBulk(context.Background(), f.store.Keys(), SetState(roomsync.PowerOn), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, roomsync.OutcomeBusinessFailure, res.Outcomes["102"])

	r, _ := f.store.Get("102")
	assert.Equal(t, roomsync.StatusOff, *r.Status)
	assert.Nil(t, r.Bill)
}

func TestRunBulkDuplicateKeysCountOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff})
	f.answer(nil)

	res, err := f.exec.RunBulk(context.Background(), []roomsync.RoomID{"101", "101"}, SetState(roomsync.PowerOn), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Success)
}

func TestApplyMergesSettings(t *testing.T) {
	f := newFixture(t, time.Second)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff})
	f.answer(nil)

	resp, err := f.exec.Apply(context.Background(), protocol.CommandRequest{
		RoomID: "101", State: roomsync.PowerOn, Speed: roomsync.SpeedHigh,
		CurrentTemp: 28, TargetTemp: 22, Mode: roomsync.ModeCool,
	})
	require.NoError(t, err)
	assert.Equal(t, roomsync.PowerOn, resp.State)

	r, _ := f.store.Get("101")
	assert.Equal(t, roomsync.StatusRunning, *r.Status)
	assert.Equal(t, 22.0, *r.TargetTemp)
	assert.Equal(t, roomsync.SpeedHigh, *r.Speed)
	assert.Equal(t, roomsync.ModeCool, *r.Mode)
	assert.Equal(t, 2.5, *r.Bill)
	assert.Equal(t, int32(1), f.resync.n.Load())
}

func TestApplyErrors(t *testing.T) {
	f := newFixture(t, 80*time.Millisecond)
	f.seed(map[string]roomsync.Status{"101": roomsync.StatusOff, "102": roomsync.StatusOff})
	f.answer(map[string]string{"101": "off"}, "102")
	good := protocol.CommandRequest{State: roomsync.PowerOn, TargetTemp: 24, Mode: roomsync.ModeHeat}

	bad := good
	bad.RoomID, bad.TargetTemp = "101", 40
	_, err := f.exec.Apply(context.Background(), bad)
	assert.ErrorIs(t, err, roomsync.ErrInvalidCommand)
	assert.Zero(t, f.backend.Dials("room"))

	refused := good
	refused.RoomID = "101"
	_, err = f.exec.Apply(context.Background(), refused)
	assert.ErrorIs(t, err, roomsync.ErrBusinessFailure)

	silent := good
	silent.RoomID = "102"
	_, err = f.exec.Apply(context.Background(), silent)
	assert.ErrorIs(t, err, roomsync.ErrTimeout)

	r, _ := f.store.Get("101")
	assert.Equal(t, roomsync.StatusOff, *r.Status)
	assert.Nil(t, r.TargetTemp)
	assert.Zero(t, f.resync.n.Load())
}
