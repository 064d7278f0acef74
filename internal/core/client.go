package core

import "context"

// Client is a connected session as seen by the hub.
type Client struct {
	ID     string
	UserID string
	Name   string

	outbox *Outbox
}

// NewClient constructs a client with an initialized outbox.
// maxPending <= 0 leaves the outbox unbounded.
func NewClient(id, userID, name string, maxPending int) *Client {
	if name == "" {
		name = userID
	}
	return &Client{
		ID:     id,
		UserID: userID,
		Name:   name,
		outbox: NewOutbox(maxPending),
	}
}

// Next blocks until the next event for this client is available.
func (c *Client) Next(ctx context.Context) (*Event, error) {
	return c.outbox.Next(ctx)
}

// Done is closed once the client stops receiving events.
func (c *Client) Done() <-chan struct{} {
	return c.outbox.Done()
}

// Err reports ErrSlowConsumer if the client was dropped for falling behind.
func (c *Client) Err() error {
	return c.outbox.Err()
}

// Pending returns the number of queued events.
func (c *Client) Pending() int {
	return c.outbox.Len()
}

// Close stops event delivery to the client.
func (c *Client) Close() {
	c.outbox.Close()
}

func (c *Client) deliver(ev *Event) error {
	return c.outbox.Push(ev)
}
