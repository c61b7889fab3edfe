package main

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestStartEmbeddedServer(t *testing.T) {
	ns, err := startEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	defer nc.Close()

	// JetStream must be usable without any external broker.
	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "EMBEDDED_TEST",
		Subjects: []string{"embedded.test.>"},
	})
	require.NoError(t, err)

	_, err = js.Publish("embedded.test.ping", []byte("pong"))
	require.NoError(t, err)
}
