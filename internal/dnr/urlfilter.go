package dnr

import (
	"regexp"
	"strings"
	"sync"
)

// separatorClass 对应 urlFilter 中的 ^：非字母数字且不属于 _ - . % 的字符，或 URL 结尾
const separatorClass = `(?:[^a-zA-Z0-9_\-.%]|$)`

// domainAnchor 对应 ||：匹配 scheme 及可选子域名前缀
const domainAnchor = `^[a-zA-Z][a-zA-Z0-9+.\-]*://(?:[^/?#]*\.)?`

// filterCache urlFilter 编译缓存，读多写少
type filterCache struct {
	cache sync.Map
}

// get 获取 urlFilter 对应的正则
func (c *filterCache) get(filter string) (*regexp.Regexp, error) {
	if val, ok := c.cache.Load(filter); ok {
		return val.(*regexp.Regexp), nil
	}
	compiled, err := regexp.Compile(translateFilter(filter))
	if err != nil {
		return nil, err
	}
	c.cache.Store(filter, compiled)
	return compiled, nil
}

// translateFilter 将 urlFilter 语法转换为不区分大小写的正则
func translateFilter(filter string) string {
	var b strings.Builder
	b.WriteString("(?i)")

	switch {
	case strings.HasPrefix(filter, "||"):
		b.WriteString(domainAnchor)
		filter = filter[2:]
	case strings.HasPrefix(filter, "|"):
		b.WriteString("^")
		filter = filter[1:]
	}

	endAnchor := false
	if strings.HasSuffix(filter, "|") {
		endAnchor = true
		filter = filter[:len(filter)-1]
	}

	for _, r := range filter {
		switch r {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(separatorClass)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	if endAnchor {
		b.WriteString("$")
	}
	return b.String()
}
