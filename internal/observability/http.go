package observability

import (
	"net"
	"net/http"
	"strings"
)

// RequestMeta identifies the client behind a handshake or API call.
type RequestMeta struct {
	DeviceID  string
	RequestID string
	IP        string
}

// MetaFromRequest reads client metadata. Browsers cannot set headers on a
// websocket handshake, so deviceId and requestId are also accepted as query
// parameters.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		DeviceID:  headerOrQuery(r, "X-Device-Id", "deviceId"),
		RequestID: headerOrQuery(r, "X-Request-Id", "requestId"),
		IP:        clientIP(r),
	}
}

func headerOrQuery(r *http.Request, header, param string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(param)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
