package proxy

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/valmatov/edgeproxy/internal/backend"
	"github.com/valmatov/edgeproxy/internal/observability"
	"github.com/valmatov/edgeproxy/internal/router"
)

// upgrader upgrades client connections to WebSocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// isWebSocketRequest reports whether the request asks for a WebSocket
// upgrade.
func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// proxyWebSocket dials the backend, upgrades the client connection and
// relays frames in both directions until either side closes.
func (p *ReverseProxy) proxyWebSocket(w http.ResponseWriter, r *http.Request, route *router.CompiledRoute, sb *backend.ServiceBackend) {
	host, err := sb.Pick(r)
	if err != nil {
		p.writeJSONError(w, http.StatusServiceUnavailable, "no healthy upstream hosts")
		recordUpstreamError(sb.Name(), "no_healthy_hosts")
		return
	}

	dialer := websocket.Dialer{}
	if tlsConfig := sb.Transport().TLSClientConfig; tlsConfig != nil {
		dialer.TLSClientConfig = tlsConfig.Clone()
	}

	backendConn, resp, err := dialer.DialContext(r.Context(), backendWSURL(sb, host, r), upstreamWSHeaders(r))
	if err != nil {
		p.relayDialError(w, resp, err)
		recordUpstreamError(sb.Name(), "websocket_dial")
		return
	}
	defer backendConn.Close()
	if resp != nil {
		defer resp.Body.Close()
	}

	clientConn, err := upgrader.Upgrade(w, r, clientWSHeaders(resp))
	if err != nil {
		p.logger.WithContext(r.Context()).Warn("websocket upgrade failed",
			observability.String("route", route.Name),
			observability.Error(err))
		return
	}
	defer clientConn.Close()

	websocketConnections.WithLabelValues(route.Name).Inc()
	defer websocketConnections.WithLabelValues(route.Name).Dec()

	host.IncActive()
	defer host.DecActive()

	sent, received := relayFrames(clientConn, backendConn)

	p.logger.WithContext(r.Context()).Debug("websocket session closed",
		observability.String("route", route.Name),
		observability.String("host", host.Addr()),
		observability.Int64("frames_sent", sent),
		observability.Int64("frames_received", received))
}

// relayFrames copies frames between client and backend until one side
// fails. It returns counts of frames sent to and received from the
// client. The counters are atomic because the opposite goroutine may
// still be mid-frame when the first error surfaces.
func relayFrames(clientConn, backendConn *websocket.Conn) (int64, int64) {
	var sent, received atomic.Int64
	errCh := make(chan error, 2)

	go func() {
		for {
			msgType, msg, err := backendConn.ReadMessage()
			if err != nil {
				_ = clientConn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				errCh <- err
				return
			}
			sent.Add(1)
			if err := clientConn.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			msgType, msg, err := clientConn.ReadMessage()
			if err != nil {
				_ = backendConn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				errCh <- err
				return
			}
			received.Add(1)
			if err := backendConn.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}()

	<-errCh
	return sent.Load(), received.Load()
}

// relayDialError forwards the backend handshake failure to the client.
func (p *ReverseProxy) relayDialError(w http.ResponseWriter, resp *http.Response, dialErr error) {
	if resp != nil {
		defer resp.Body.Close()
		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
	} else {
		p.writeJSONError(w, http.StatusBadGateway, "websocket backend unavailable")
	}
	p.logger.Debug("websocket backend dial failed", observability.Error(dialErr))
}

// backendWSURL builds the backend WebSocket URL for the request.
func backendWSURL(sb *backend.ServiceBackend, host *backend.Host, r *http.Request) string {
	scheme := "ws"
	if sb.Scheme() == "https" {
		scheme = "wss"
	}

	u := scheme + "://" + host.Addr() + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// upstreamWSHeaders forwards client headers to the backend, excluding
// handshake headers the dialer manages itself.
func upstreamWSHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for name, values := range r.Header {
		switch strings.ToLower(name) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	return header
}

// clientWSHeaders extracts backend handshake response headers to return
// to the client, excluding ones the upgrader manages.
func clientWSHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for name, values := range resp.Header {
		switch strings.ToLower(name) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	return header
}
