// Package filterlist 管理追踪器匹配模式列表
package filterlist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// defaultPatterns 内置追踪器域名片段
var defaultPatterns = []string{
	"doubleclick.net",
	"google-analytics.com",
	"googletagmanager.com",
	"googlesyndication.com",
	"connect.facebook.net",
	"scorecardresearch.com",
	"hotjar.com",
	"segment.io",
	"mixpanel.com",
	"amplitude.com",
	"criteo.com",
	"taboola.com",
	"outbrain.com",
	"quantserve.com",
	"adnxs.com",
	"tracker.io",
}

// Default 返回内置模式列表的副本
func Default() []string {
	out := make([]string, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}

// Parse 解析模式列表，兼容每行一个模式与 EasyPrivacy 的 ||domain^ 格式。
// 跳过注释、异常规则与元素隐藏规则，去重并保留首次出现的顺序
func Parse(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	var out []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if shouldSkipLine(line) {
			continue
		}
		p := extractPattern(line)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan filter list: %w", err)
	}
	return out, nil
}

// LoadFile 从文件读取模式列表
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open filter list: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Resolve 按配置组合出最终列表：显式模式优先，其次文件，都为空时使用内置列表
func Resolve(patterns []string, listPath string) ([]string, error) {
	merged := Merge(patterns)
	if listPath != "" {
		fromFile, err := LoadFile(listPath)
		if err != nil {
			return nil, err
		}
		merged = Merge(merged, fromFile)
	}
	if len(merged) == 0 {
		return Default(), nil
	}
	return merged, nil
}

// Merge 合并多个列表，去重并保留顺序
func Merge(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, p := range l {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func shouldSkipLine(line string) bool {
	if line == "" {
		return true
	}
	// 注释与分节
	if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
		return true
	}
	if strings.HasPrefix(line, "@@") {
		return true
	}
	return strings.Contains(line, "##") || strings.Contains(line, "#@#") || strings.Contains(line, "#?#")
}

// extractPattern 返回行中的域名片段，无法识别时返回空串
func extractPattern(line string) string {
	if i := strings.Index(line, "$"); i >= 0 {
		line = line[:i]
	}
	if strings.HasPrefix(line, "||") {
		line = line[2:]
		if i := strings.IndexAny(line, "^/"); i >= 0 {
			line = line[:i]
		}
	}
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" || strings.ContainsAny(line, " \t/*|^") {
		return ""
	}
	return line
}
