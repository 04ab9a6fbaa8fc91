package cdphost

import (
	"testing"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
)

func TestToPaused(t *testing.T) {
	netID := network.RequestID("1000.7")
	prev := fetch.RequestID("interception-job-3")
	ev := &fetch.RequestPausedReply{
		RequestID: "interception-job-4",
		Request: network.Request{
			URL:     "https://shop.com/",
			Method:  "GET",
			Headers: network.Headers(`{"user-agent":"x","referer":"https://a.com/page"}`),
		},
		FrameID:             "T1",
		ResourceType:        "Document",
		NetworkID:           &netID,
		RedirectedRequestID: &prev,
	}

	p := ToPaused(ev, "T1")
	assert.Equal(t, Paused{
		RequestID:    "interception-job-4",
		URL:          "https://shop.com/",
		Method:       "GET",
		ResourceType: "Document",
		FrameID:      "T1",
		TargetID:     "T1",
		Referer:      "https://a.com/page",
		NetworkID:    "1000.7",
		RedirectedBy: "interception-job-3",
	}, p)
	assert.True(t, p.TopLevel())

	// 首跳没有跳转来源
	ev.RedirectedRequestID = nil
	ev.NetworkID = nil
	p = ToPaused(ev, "T1")
	assert.Empty(t, p.RedirectedBy)
	assert.Empty(t, p.NetworkID)
}

func TestHeaderValue(t *testing.T) {
	h := []byte(`{"Referer":"https://a.com/","Accept":"*/*"}`)
	assert.Equal(t, "https://a.com/", headerValue(h, "referer"))
	assert.Equal(t, "*/*", headerValue(h, "ACCEPT"))
	assert.Empty(t, headerValue(h, "Cookie"))
	assert.Empty(t, headerValue(nil, "Referer"))
	assert.Empty(t, headerValue([]byte("not json"), "Referer"))
}
