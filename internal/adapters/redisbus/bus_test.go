package redisbus_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alejandrodnm/forecast/internal/adapters/redisbus"
	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	ev := domain.NewEvent(domain.EventRewardsClaimed, 1_700_000_000).ForEpoch(2).ForWallet("bob").
		WithAmount(488).With("won", true)
	ev.ID = "e-1"

	values, payload, err := redisbus.Encode("eth-8h", ev)
	require.NoError(t, err)
	assert.Equal(t, "e-1", values["id"])
	assert.Equal(t, "RewardsClaimed", values["kind"])
	assert.Equal(t, "eth-8h", values["market"])
	assert.Equal(t, "2", values["epoch"])
	assert.Equal(t, "bob", values["wallet"])
	assert.Equal(t, "1700000000", values["timestamp"])

	var decoded struct {
		MarketID string `json:"market_id"`
		domain.Event
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "eth-8h", decoded.MarketID)
	assert.Equal(t, ev, decoded.Event)
}

func TestEncode_NoWallet(t *testing.T) {
	values, _, err := redisbus.Encode("m", domain.NewEvent(domain.EventEpochStarted, 1).ForEpoch(1))
	require.NoError(t, err)
	_, ok := values["wallet"]
	assert.False(t, ok)
}

func TestStreamKey(t *testing.T) {
	b := redisbus.NewWithClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", "")
	assert.Equal(t, "forecast:events:eth-8h", b.StreamKey("eth-8h"))
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Publish(context.Background(), "eth-8h", nil), "nothing to send")
}

func TestNew_Unreachable(t *testing.T) {
	_, err := redisbus.New(context.Background(), redisbus.Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
