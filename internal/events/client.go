package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tummycrypt/tcfs/internal/errs"
)

// Client wraps a JetStream connection and the stream/consumer topology the
// fleet agrees on.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials url and binds a JetStream context to it.
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("tcfsd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", errs.ErrStorage, url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: binding jetstream context: %v", errs.ErrStorage, err)
	}
	return &Client{nc: nc, js: js}, nil
}

// Close drains and closes the underlying connection.
func (c *Client) Close() {
	c.nc.Close()
}

// EnsureStreams creates the three streams this module depends on if they
// don't already exist. Safe to call on every daemon startup.
func (c *Client) EnsureStreams(ctx context.Context) error {
	specs := []jetstream.StreamConfig{
		{
			Name:      StreamSyncTasks,
			Subjects:  []string{StreamSyncTasks + ".>"},
			Retention: jetstream.WorkQueuePolicy,
			MaxMsgs:   1_000_000,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:      StreamHydration,
			Subjects:  []string{StreamHydration + ".>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   100_000,
			MaxAge:    time.Hour,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:      StreamState,
			Subjects:  []string{"STATE.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   500_000,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   jetstream.FileStorage,
		},
	}

	for _, spec := range specs {
		if _, err := c.js.CreateOrUpdateStream(ctx, spec); err != nil {
			return fmt.Errorf("%w: ensuring stream %s: %v", errs.ErrStorage, spec.Name, err)
		}
	}
	return nil
}

// PublishTask enqueues a unit of work onto SYNC_TASKS.
func (c *Client) PublishTask(ctx context.Context, task SyncTask) error {
	data, err := task.ToBytes()
	if err != nil {
		return err
	}
	subject := StreamSyncTasks + "." + string(task.Type)
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("%w: publishing task %s: %v", errs.ErrStorage, task.TaskID, err)
	}
	return nil
}

// PublishStateEvent fans a convergence notification out to STATE_UPDATES.
func (c *Client) PublishStateEvent(ctx context.Context, event StateEvent) error {
	data, err := event.ToBytes()
	if err != nil {
		return err
	}
	if _, err := c.js.Publish(ctx, event.Subject(), data); err != nil {
		return fmt.Errorf("%w: publishing state event for %s: %v", errs.ErrStorage, event.DeviceID, err)
	}
	return nil
}

// TaskConsumer binds (creating if necessary) the shared durable pull
// consumer that fans SYNC_TASKS work out across every worker in the fleet.
func (c *Client) TaskConsumer(ctx context.Context) (jetstream.Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, StreamSyncTasks, jetstream.ConsumerConfig{
		Durable:       ConsumerSyncWorkers,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    3,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: binding consumer %s: %v", errs.ErrStorage, ConsumerSyncWorkers, err)
	}
	return cons, nil
}

// StateConsumer binds (creating if necessary) a per-device durable pull
// consumer over STATE_UPDATES, filtered to that device's own subject space
// is not applied here — callers see the full fleet and filter by DeviceID
// when they need to ignore their own echoes.
func (c *Client) StateConsumer(ctx context.Context, deviceID string) (jetstream.Consumer, error) {
	name := StateConsumerName(deviceID)
	cons, err := c.js.CreateOrUpdateConsumer(ctx, StreamState, jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: binding consumer %s: %v", errs.ErrStorage, name, err)
	}
	return cons, nil
}

// ProcessWithRetry runs f against msg's decoded payload, acking on success
// and nak-ing (triggering redelivery, bounded by the consumer's MaxDeliver)
// on failure.
func ProcessWithRetry(msg jetstream.Msg, f func(data []byte) error) error {
	if err := f(msg.Data()); err != nil {
		if nakErr := msg.Nak(); nakErr != nil {
			return fmt.Errorf("%w: processing failed (%v) and nak failed: %v", errs.ErrStorage, err, nakErr)
		}
		return err
	}
	return msg.Ack()
}
