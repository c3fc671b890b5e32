package multiplex

import (
	"net/url"
	"sort"
	"strings"
)

const (
	priorityParam   = "priority"
	defaultPriority = "dedicated_concurrency"
	apiKeyHeader    = "api-key"
)

// BuildAddress returns the multi-context endpoint for voiceID. The priority
// marker always comes first; remaining parameters follow in key order.
func BuildAddress(baseURL, voiceID string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteString("/enterprise/v1/tts/")
	b.WriteString(url.PathEscape(voiceID))
	b.WriteString("/websocket/multi?")

	priority := defaultPriority
	if p, ok := params[priorityParam]; ok && p != "" {
		priority = p
	}
	b.WriteString(priorityParam + "=" + url.QueryEscape(priority))

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == priorityParam || k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
