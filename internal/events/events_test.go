package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/status"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATS_PublishesLifecycleEvent(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("ragd.documents.acme.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "ragd.documents", nil)
	require.NoError(t, err)
	defer pub.Close()

	doc := &status.Document{ID: "doc-1", TenantID: "acme", State: status.Indexed, ChunkCount: 7, Version: 6}
	require.NoError(t, pub.Publish(context.Background(), FromDocument(doc)))
	require.NoError(t, pub.Publish(context.Background(), Event{TenantID: "beta", DocumentID: "doc-2", State: status.Failed}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "ragd.documents.acme.doc-1.indexed", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, status.Indexed, got.State)
		assert.Equal(t, 7, got.ChunkCount)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case msg := <-msgs:
		t.Fatalf("received event for another tenant: %s", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpen_DisabledIsNop(t *testing.T) {
	p, err := Open(config.EventsConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}
