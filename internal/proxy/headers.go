package proxy

import (
	"net/http"
	"strings"
)

// CORS headers added to every successful proxied response.
const (
	AllowOriginHeader  = "Access-Control-Allow-Origin"
	AllowMethodsHeader = "Access-Control-Allow-Methods"
	AllowedMethods     = "GET,POST,PUT,DELETE,OPTIONS"

	CacheHeader   = "X-Cache"
	CacheHitValue = "HIT"
)

// strippedResponseHeaders describe the upstream hop, which no longer
// matches the buffered body we re-serve.
var strippedResponseHeaders = []string{
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
}

// hopByHopRequestHeaders are never forwarded upstream. Accept-Encoding is
// dropped so the transport negotiates and decodes compression itself.
var hopByHopRequestHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
}

// rewriteResponseHeaders adds the CORS and provenance headers and removes
// transport framing headers. h is modified in place.
func rewriteResponseHeaders(h http.Header, provenanceHeader, provenanceValue string) {
	for _, name := range strippedResponseHeaders {
		h.Del(name)
	}
	h.Set(AllowOriginHeader, "*")
	h.Set(AllowMethodsHeader, AllowedMethods)
	if provenanceHeader != "" {
		h.Set(provenanceHeader, provenanceValue)
	}
}

// upstreamRequestHeaders copies the caller's headers minus hop-by-hop ones,
// including any listed in the Connection header.
func upstreamRequestHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		return make(http.Header)
	}
	for _, value := range in.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopRequestHeaders {
		out.Del(name)
	}
	return out
}

// bodyAllowed mirrors net/http: 1xx, 204 and 304 responses carry no body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
