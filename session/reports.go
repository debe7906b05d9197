package session

import (
	"context"
	"time"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
)

// ReportTimeLayout is the timestamp format the manager endpoint expects.
const ReportTimeLayout = "2006-01-02 15:04:05"

// Reports fetches the manager's operating report.
type Reports struct {
	client *Client
}

func NewReports(client *Client) *Reports { return &Reports{client: client} }

// Report returns the report text for [start, end]. Zero times leave the
// bound open.
func (r *Reports) Report(ctx context.Context, start, end time.Time) (string, error) {
	req := protocol.ReportRequest{}
	if !start.IsZero() {
		req.StartTime = start.Format(ReportTimeLayout)
	}
	if !end.IsZero() {
		req.EndTime = end.Format(ReportTimeLayout)
	}
	resp, err := call[protocol.ReportResponse](ctx, r.client, roomsync.PurposeReport, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
