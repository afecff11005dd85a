package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionTable(t *testing.T) {
	table := NewSubscriptionTable(4)

	_, err := table.Subscribe("ghost", "t")
	require.ErrorIs(t, err, ErrUnknownConnection)

	table.AddConnection("a")
	table.AddConnection("b")

	added, err := table.Subscribe("a", "x")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = table.Subscribe("a", "x")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = table.Subscribe("a", "y")
	require.NoError(t, err)
	_, err = table.Subscribe("b", "x")
	require.NoError(t, err)

	assert.ElementsMatch(t, []ConnectionID{"a", "b"}, table.Subscribers("x"))
	assert.Equal(t, []string{"x", "y"}, table.Topics("a"))
	assert.Equal(t, 2, table.TopicCount())
	assertSymmetric(t, table)

	removed, err := table.Unsubscribe("b", "x")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = table.Unsubscribe("b", "x")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, []string{"x", "y"}, table.RemoveConnection("a"))
	assert.Nil(t, table.RemoveConnection("a"))
	assert.Zero(t, table.TopicCount())
	assert.Equal(t, 1, table.ConnectionCount())
	assertSymmetric(t, table)

	_, err = table.Subscribe("a", "x")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestSubscriptionTableShardsSpreadTopics(t *testing.T) {
	table := NewSubscriptionTable(8)
	table.AddConnection("a")

	for _, topic := range []string{"BTC.trade", "ETH.trade", "SOL.trade", "BTC.liquidity", "ETH.metadata", "DOGE.social"} {
		_, err := table.Subscribe("a", topic)
		require.NoError(t, err)
	}

	used := 0
	for _, s := range table.shards {
		if len(s.topics) > 0 {
			used++
		}
	}
	assert.Greater(t, used, 1)
	assert.Equal(t, 6, table.TopicCount())
}
