package classifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"trackshield/internal/classifier"
)

func TestBaseDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", "example.com"},
		{"www.example.com", "example.com"},
		{"a.b.c.example.com", "example.com"},
		{"localhost", "localhost"},
		{"Shop.Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"..a..b..", "a.b"},
		{"", ""},
		{"...", ""},
		// 不查询公共后缀列表
		{"news.example.co.uk", "co.uk"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.BaseDomain(tt.host))
		})
	}
}

func TestIsThirdParty(t *testing.T) {
	tests := []struct {
		name      string
		initiator string
		url       string
		want      bool
	}{
		{"同站兄弟子域名", "https://shop.example.com", "https://ads.example.com/x", true},
		{"站点根发起", "https://example.com", "https://ads.example.com/x", false},
		{"更深的同站子域", "https://shop.example.com", "https://cdn.shop.example.com/x", false},
		{"跨站", "https://news.com", "https://tracker.io/p.js", true},
		{"发起方为空", "", "https://a.com", true},
		{"请求无法解析", "https://a.com", "::bad", true},
		{"大小写", "https://NEWS.com", "https://cdn.news.COM/a", false},
		// 后缀判定不对称：www 子域发起到根域的请求算第三方
		{"www 发起到根域", "https://www.example.com", "https://example.com/x", true},
		{"根域发起到 www", "https://example.com", "https://www.example.com/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.IsThirdParty(tt.initiator, tt.url))
		})
	}
}

func TestSiteOfAndHelpers(t *testing.T) {
	assert.Equal(t, "news.com", classifier.SiteOf("https://www.news.com/a?b=1"))
	assert.Equal(t, "", classifier.SiteOf("not a url"))
	assert.True(t, classifier.IsHTTP("http://a.com"))
	assert.True(t, classifier.IsHTTP("https://a.com"))
	assert.False(t, classifier.IsHTTP("chrome://newtab"))
	assert.True(t, classifier.MatchesDomain("cdn.news.com", "news.com"))
	assert.True(t, classifier.MatchesDomain("news.com", "news.com"))
	assert.False(t, classifier.MatchesDomain("badnews.com", "news.com"))
}
