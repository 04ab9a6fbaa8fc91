package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestHub_BroadcastAndUnsubscribe(t *testing.T) {
	h := New(nil)
	ch, cancel := h.Subscribe(4)

	h.Broadcast(map[string]any{"type": "stats", "n": 3})
	msg := <-ch
	assert.Equal(t, "stats", gjson.GetBytes(msg, "type").String())
	assert.Equal(t, int64(3), gjson.GetBytes(msg, "n").Int())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "取消订阅后通道关闭")
	h.Broadcast("ignored")
}

func TestHub_BadgeOnlyBroadcastsChanges(t *testing.T) {
	h := New(nil)
	ch, cancel := h.Subscribe(4)
	defer cancel()

	h.SetBadgeText("5")
	h.SetBadgeText("5")
	h.SetBadgeText("")
	assert.Equal(t, "", h.Badge())

	require.Len(t, ch, 2)
	assert.Equal(t, "5", gjson.GetBytes(<-ch, "text").String())
	assert.Equal(t, "", gjson.GetBytes(<-ch, "text").String())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := New(nil)
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Notify("Tracker blocked", "a")
	h.Notify("Tracker blocked", "b")
	require.Len(t, ch, 1)
	msg := <-ch
	assert.Equal(t, MessageNotification, gjson.GetBytes(msg, "type").String())
	assert.Equal(t, "a", gjson.GetBytes(msg, "message").String())
}
