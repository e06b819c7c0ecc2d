package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsByTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pub := New()

	id1, err := pub.Publish(ctx, "articles", map[string]string{"job_id": "job-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(""), 2)
	articles := pub.Messages("articles")
	require.Len(t, articles, 1)

	var body map[string]string
	require.NoError(t, articles[0].Decode(&body))
	require.Equal(t, "job-1", body["job_id"])

	articles[0].Topic = "modified"
	require.Equal(t, "articles", pub.Messages("articles")[0].Topic)
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()
	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
