package api

import (
	"hash/fnv"
	"net/http"
	"net/url"
)

// defaultUserAgents are mobile webview agents; a session keeps one for life.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Linux; Android 13; SM-S918B Build/TP1A.220624.014; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/120.0.6099.144 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8 Pro Build/UQ1A.240105.004; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/121.0.6167.101 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 12; M2101K6G Build/SKQ1.210908.001; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/119.0.6045.163 Mobile Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148",
	"Mozilla/5.0 (Linux; Android 13; 2201117TY Build/TKQ1.221114.001; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/118.0.5993.111 Mobile Safari/537.36",
}

// UserAgentFor picks a stable user agent for a session from pool (or the builtin list).
func UserAgentFor(session string, pool []string) string {
	if len(pool) == 0 {
		pool = defaultUserAgents
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(session))
	return pool[int(h.Sum32()%uint32(len(pool)))]
}

// applyHeaders sets the browser-like headers the webapp sends.
func applyHeaders(h http.Header, base *url.URL, userAgent, language, token string) {
	origin := base.Scheme + "://" + base.Host
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", language)
	h.Set("Origin", origin)
	h.Set("Referer", origin+"/")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
