package portal

import (
	"context"
	"time"

	"powerscraper/pkg/models"
)

// Walker steps month by month backward through the portal's history. It owns
// the session's current page; a failed navigation leaves the page unchanged
// so the step can be retried.
type Walker struct {
	client *Client
	page   *Page
}

// Open logs in and positions the walker at the current calendar month
func (c *Client) Open(ctx context.Context, now time.Time) (*Walker, error) {
	page, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}
	page, err = c.SyncToCurrent(ctx, page, models.YearMonthOf(now))
	if err != nil {
		return nil, err
	}
	return &Walker{client: c, page: page}, nil
}

// Current parses the month the walker is positioned on
func (w *Walker) Current(ctx context.Context) (*MonthData, error) {
	return Parse(w.page)
}

// Previous navigates one month back and parses it
func (w *Walker) Previous(ctx context.Context) (*MonthData, error) {
	page, err := w.client.PrevMonth(ctx, w.page)
	if err != nil {
		return nil, err
	}
	w.page = page
	return Parse(page)
}
