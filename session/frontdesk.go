package session

import (
	"context"
	"fmt"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/runtime"
	"github.com/softair/roomsync/store"
)

// AutoAllocate asks the backend to pick a free room on check-in.
const AutoAllocate roomsync.RoomID = roomsync.ControlRoomID

// FrontDeskPurposes are the channels FrontDesk talks on.
var FrontDeskPurposes = []roomsync.Purpose{
	roomsync.PurposeCheckIn, roomsync.PurposeCheckOut, roomsync.PurposeBill, roomsync.PurposeUseList,
}

// FrontDesk performs guest check-in/check-out and billing queries, and folds
// confirmed results into the store.
type FrontDesk struct {
	client *Client
	loop   *runtime.Loop
	store  *store.Store
}

func NewFrontDesk(client *Client, loop *runtime.Loop, st *store.Store) *FrontDesk {
	return &FrontDesk{client: client, loop: loop, store: st}
}

// CheckIn registers a guest. Pass AutoAllocate as the room to let the
// backend choose; the returned id is the room actually allocated.
func (f *FrontDesk) CheckIn(ctx context.Context, req protocol.CheckInRequest) (roomsync.RoomID, error) {
	resp, err := call[protocol.CheckInResponse](ctx, f.client, roomsync.PurposeCheckIn, req)
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp.Status, "check-in", req.RoomID); err != nil {
		return "", err
	}
	room := resp.AllocatedRoom
	if room == "" {
		room = req.RoomID
	}
	f.merge(ctx, room, roomsync.Attributes{Status: roomsync.Ptr(roomsync.StatusBusy)})
	f.client.logger.Info("Guest checked in", "roomId", room)
	return room, nil
}

// CheckOut settles a room and returns the final bill.
func (f *FrontDesk) CheckOut(ctx context.Context, id roomsync.RoomID) (float64, error) {
	resp, err := call[protocol.CheckOutResponse](ctx, f.client, roomsync.PurposeCheckOut, protocol.RoomRequest{RoomID: id})
	if err != nil {
		return 0, err
	}
	if err := checkStatus(resp.Status, "check-out", id); err != nil {
		return 0, err
	}
	var bill float64
	if resp.Bill != nil {
		bill = *resp.Bill
	}
	f.merge(ctx, id, roomsync.Attributes{Status: roomsync.Ptr(roomsync.StatusFree), Bill: roomsync.Ptr(0.0)})
	f.client.logger.Info("Guest checked out", "roomId", id, "bill", bill)
	return bill, nil
}

// Bill returns the running bill of a room.
func (f *FrontDesk) Bill(ctx context.Context, id roomsync.RoomID) (float64, error) {
	resp, err := call[protocol.BillResponse](ctx, f.client, roomsync.PurposeBill, protocol.RoomRequest{RoomID: id})
	if err != nil {
		return 0, err
	}
	if resp.Bill == nil {
		return 0, fmt.Errorf("%w: bill answer for room %s has no bill", roomsync.ErrMalformedResponse, id)
	}
	if *resp.Bill >= 0 {
		f.merge(ctx, id, roomsync.Attributes{Bill: roomsync.Ptr(*resp.Bill)})
	}
	return *resp.Bill, nil
}

// UseList returns the backend's formatted usage record.
func (f *FrontDesk) UseList(ctx context.Context, req protocol.UseListRequest) (string, error) {
	resp, err := call[protocol.UseListResponse](ctx, f.client, roomsync.PurposeUseList, req)
	if err != nil {
		return "", err
	}
	return resp.UseList, nil
}

// merge folds a confirmed result into the store. A skipped merge leaves the
// view stale until the next poll.
func (f *FrontDesk) merge(ctx context.Context, id roomsync.RoomID, attrs roomsync.Attributes) {
	if err := f.loop.Do(ctx, func() { f.store.ApplyPartial(id, attrs) }); err != nil {
		f.client.logger.Warn("Store merge skipped", "roomId", id, "error", err)
	}
}
