package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pspub "github.com/JakeFAU/property-pipeline/internal/publisher/pubsub"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "alerts")
	require.NoError(t, err)
	return srv, client
}

func TestPublisher_PublishUsesDefaultTopic(t *testing.T) {
	t.Parallel()
	srv, client := newFakeClient(t)
	pub := pspub.New(client, "alerts")
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(context.Background(), "", map[string]string{"type": "api_quota"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "api_quota", got["type"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content-type"])
}

func TestPublisher_RequiresTopic(t *testing.T) {
	t.Parallel()
	_, client := newFakeClient(t)
	pub := pspub.New(client, "")
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(context.Background(), "", "payload")
	require.Error(t, err)
}

func TestPublisher_RejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()
	_, client := newFakeClient(t)
	pub := pspub.New(client, "alerts")
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(context.Background(), "alerts", make(chan int))
	require.Error(t, err)
}
