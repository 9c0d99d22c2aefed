package dedup

import (
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL reduces a URL to a comparison key: scheme, "www." prefix,
// fragment and trailing slash are dropped, the host is lowercased and query
// parameters are lowercased and sorted. Unparseable input is only trimmed and
// lowercased.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if p := u.Port(); p != "" && p != "80" && p != "443" {
		host += ":" + p
	}
	path := strings.TrimRight(u.EscapedPath(), "/")

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		params := strings.Split(strings.ToLower(u.RawQuery), "&")
		kept := params[:0]
		for _, p := range params {
			if p != "" {
				kept = append(kept, p)
			}
		}
		sort.Strings(kept)
		if len(kept) > 0 {
			b.WriteByte('?')
			b.WriteString(strings.Join(kept, "&"))
		}
	}
	return b.String()
}
