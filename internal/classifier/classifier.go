// Package classifier 提供基础域名提取与第一方/第三方判定
//
// BaseDomain 取主机名最后两个标签作为站点域名，不查询公共后缀列表，
// 因此 example.co.uk 会被归为 co.uk。这是已知限制，保持与既有数据兼容。
package classifier

import (
	"net/url"
	"strings"
)

// BaseDomain 返回主机名的基础域名，无法解析时返回空串
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	labels := make([]string, 0, 4)
	for _, l := range strings.Split(host, ".") {
		if l != "" {
			labels = append(labels, l)
		}
	}
	if len(labels) == 0 {
		return ""
	}
	if len(labels) <= 2 {
		return strings.Join(labels, ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// HostOf 解析 URL 的主机名（小写），失败返回空串
func HostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SiteOf 返回 URL 的基础域名
func SiteOf(rawURL string) string {
	return BaseDomain(HostOf(rawURL))
}

// IsThirdParty 判断请求相对发起方是否为第三方，任一方无法解析时视为第三方。
// 基础域名不同即为第三方；基础域名相同时，请求主机须等于发起方主机或为其子域名才算第一方
func IsThirdParty(initiator, requestURL string) bool {
	ih, rh := HostOf(initiator), HostOf(requestURL)
	a, b := BaseDomain(ih), BaseDomain(rh)
	if a == "" || b == "" {
		return true
	}
	if a != b {
		return true
	}
	return !MatchesDomain(rh, ih)
}

// IsHTTP 是否为 http(s) URL
func IsHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// MatchesDomain host 等于 domain 或为其子域名
func MatchesDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
