package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/tummycrypt/tcfs/internal/vclock"
)

// startTestServer runs an embedded, JetStream-enabled nats-server for the
// duration of the test, following the pattern nats.go's own test suite uses.
func startTestServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not become ready")
	}
	t.Cleanup(srv.Shutdown)

	return srv
}

func TestClientEnsureStreamsAndPublishPull(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv := startTestServer(t)
	ctx := context.Background()

	client, err := Connect(srv.ClientURL())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.EnsureStreams(ctx))

	task := SyncTask{Type: TaskPush, TaskID: "t-1", LocalPath: "/a/b.txt", RemotePrefix: "devices/laptop-1"}
	require.NoError(t, client.PublishTask(ctx, task))

	cons, err := client.TaskConsumer(ctx)
	require.NoError(t, err)

	msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
	require.NoError(t, err)

	count := 0
	for msg := range msgs.Messages() {
		count++
		err := ProcessWithRetry(msg, func(data []byte) error {
			decoded, decodeErr := SyncTaskFromBytes(data)
			require.NoError(t, decodeErr)
			require.Equal(t, task, decoded)
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 1, count)

	event := NewFileSynced("laptop-1", "a/b.txt", "deadbeef", 10, vclock.New(), "manifests/deadbeef", 999)
	require.NoError(t, client.PublishStateEvent(ctx, event))

	stateCons, err := client.StateConsumer(ctx, "laptop-1")
	require.NoError(t, err)

	stateMsgs, err := stateCons.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
	require.NoError(t, err)

	for msg := range stateMsgs.Messages() {
		decoded, decodeErr := StateEventFromBytes(msg.Data())
		require.NoError(t, decodeErr)
		require.Equal(t, event.Subject(), decoded.Subject())
		require.NoError(t, msg.Ack())
	}
}
