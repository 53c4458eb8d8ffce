package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
)

type statusError struct {
	code int
}

func (e *statusError) Error() string   { return fmt.Sprintf("entity API returned %d", e.code) }
func (e *statusError) StatusCode() int { return e.code }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCall(op guardian.Operation) *guardian.Call {
	leads := &guardian.ResourceFuncs{ResourceName: "Lead"}
	return &guardian.Call{
		Resource:  leads,
		Operation: op,
		Params:    []interface{}{},
		Key:       "Lead_" + string(op) + "_[]",
	}
}

func respond(resp interface{}, err error) guardian.Fetch {
	return func(ctx context.Context, call *guardian.Call) (interface{}, error) {
		return resp, err
	}
}
