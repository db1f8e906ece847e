package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// hop-by-hop headers a proxy must not forward
var proxyHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeProxyHeaders(r *http.Request) {
	for _, h := range proxyHeaders {
		r.Header.Del(h)
	}
}

// dumbResponseWriter lets goproxy hijack a raw connection accepted outside of net/http
type dumbResponseWriter struct {
	net.Conn
}

func (dumb dumbResponseWriter) Header() http.Header {
	panic("Header() should not be called on this ResponseWriter")
}

func (dumb dumbResponseWriter) Write(buf []byte) (int, error) {
	if string(buf) == "HTTP/1.0 200 OK\r\n\r\n" {
		return len(buf), nil // throw away the HTTP OK response from the faux CONNECT request
	}
	return dumb.Conn.Write(buf)
}

func (dumb dumbResponseWriter) WriteHeader(code int) {
	panic(fmt.Sprintf("WriteHeader(%d) should not be called on this ResponseWriter", code))
}

func (dumb dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return dumb, bufio.NewReadWriter(bufio.NewReader(dumb), bufio.NewWriter(dumb)), nil
}
