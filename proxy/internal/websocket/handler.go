// Package websocket bridges WebSocket upgrades accepted on an
// intercepted listener to the same connection's upstream origin,
// forwarding frames bidirectionally and normalizing close codes.
package websocket

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/wraithgate/relayproxy/proxy/internal/proxycontext"
)

// Handler upgrades intercepted HTTP(S) connections to WebSocket and
// bridges them to the real origin.
type Handler struct {
	upgrader           websocket.Upgrader
	insecureSkipVerify bool
}

// New creates a new WebSocket handler.
func New() *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetInsecureSkipVerify controls whether the upstream WS(S) dial skips
// TLS certificate verification, mirroring the proxy's own setting.
func (h *Handler) SetInsecureSkipVerify(v bool) {
	h.insecureSkipVerify = v
}

// HandleWSS upgrades an intercepted connection and bridges it to the
// real origin. The upstream scheme is wss when req arrived over TLS
// (req.TLS is set, or its connection context marks the client connection
// as TLS), ws otherwise.
func (h *Handler) HandleWSS(res http.ResponseWriter, req *http.Request) {
	logger := slog.Default().With("in", "websocket.HandleWSS", "host", req.Host)

	upstreamURL := resolveUpstreamURL(req)
	upstreamHeader := copyUpgradeHeaders(req.Header)

	dialer := &websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: h.insecureSkipVerify},
	}

	// Dial upstream before upgrading the client, so the client socket is
	// effectively paused until the upstream connection is open.
	serverConn, _, err := dialer.Dial(upstreamURL, upstreamHeader)
	if err != nil {
		logger.Error("dial upstream websocket failed", "url", upstreamURL, "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	clientConn, err := h.upgrader.Upgrade(res, req, nil)
	if err != nil {
		logger.Error("upgrade client websocket failed", "error", err)
		serverConn.Close()
		return
	}

	bridge(logger, clientConn, serverConn)
}

// resolveUpstreamURL builds the real origin's WebSocket URL from the
// intercepted request: a relative upgrade path is combined with the Host
// header and the appropriate ws/wss scheme; an already-absolute
// upgrade path is used verbatim.
func resolveUpstreamURL(req *http.Request) string {
	// The attacker's server wraps its conns, so req.TLS stays nil there.
	overTLS := req.TLS != nil
	if connCtx, ok := proxycontext.GetConnContext(req.Context()); ok && connCtx.ClientConn != nil {
		overTLS = overTLS || connCtx.ClientConn.TLS
	}
	if req.URL.IsAbs() {
		return rewriteScheme(req.URL.String(), overTLS)
	}

	scheme := "ws"
	if overTLS {
		scheme = "wss"
	}
	path := req.URL.RequestURI()
	return scheme + "://" + req.Host + path
}

func rewriteScheme(raw string, tlsConn bool) string {
	scheme := "ws"
	if tlsConn {
		scheme = "wss"
	}
	if i := strings.Index(raw, "://"); i >= 0 {
		return scheme + raw[i:]
	}
	return raw
}

// copyUpgradeHeaders copies the client's upgrade headers for the upstream
// dial, stripping any header beginning with "Sec-Websocket" (case
// insensitive) since those are regenerated by the upstream handshake
// itself, plus hop-by-hop headers the dialer sets on its own.
func copyUpgradeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "sec-websocket") {
			continue
		}
		switch lower {
		case "connection", "upgrade", "host", "content-length":
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
	return dst
}

// closeState tracks which side of a bridge first initiated a close, per
// the "only the first close is authoritative" invariant.
type closeState struct {
	closedByServer atomic.Bool
	closedByClient atomic.Bool
}

// bridge forwards WebSocket frames bidirectionally between client and
// server until either side closes or a forwarding error occurs.
func bridge(logger *slog.Logger, client, server *websocket.Conn) {
	defer client.Close()
	defer server.Close()

	state := &closeState{}
	done := make(chan struct{})
	var closeOnce sync.Once

	forward := func(from, to *websocket.Conn, byServer bool) {
		for {
			messageType, data, err := from.ReadMessage()
			if err != nil {
				closeOnce.Do(func() {
					// gorilla reports a received close frame as *CloseError.
					var ce *websocket.CloseError
					if errors.As(err, &ce) {
						markClosed(state, byServer)
						_ = to.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(normalizeCloseCode(ce.Code), ce.Text), time.Now().Add(time.Second))
					} else {
						handleClose(logger, state, to, byServer, err)
					}
					close(done)
				})
				return
			}

			switch messageType {
			case websocket.CloseMessage:
				code, reason := parseCloseFrame(data)
				code = normalizeCloseCode(code)
				markClosed(state, byServer)
				closeOnce.Do(func() {
					_ = to.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
					close(done)
				})
				return
			case websocket.PingMessage:
				if err := to.WriteMessage(websocket.PingMessage, data); err != nil {
					closeOnce.Do(func() {
						handleClose(logger, state, to, byServer, err)
						close(done)
					})
					return
				}
			case websocket.PongMessage:
				if err := to.WriteMessage(websocket.PongMessage, data); err != nil {
					closeOnce.Do(func() {
						handleClose(logger, state, to, byServer, err)
						close(done)
					})
					return
				}
			default:
				if err := to.WriteMessage(messageType, data); err != nil {
					closeOnce.Do(func() {
						handleClose(logger, state, to, byServer, err)
						close(done)
					})
					return
				}
			}
		}
	}

	go forward(server, client, true)
	go forward(client, server, false)

	<-done
}

// handleClose closes the still-open peer without a code, per the
// frame-forwarding error invariant.
func handleClose(logger *slog.Logger, state *closeState, to *websocket.Conn, byServer bool, err error) {
	if websocket.IsCloseError(err) || websocket.IsUnexpectedCloseError(err) {
		logger.Debug("websocket closed", "error", err, "byServer", byServer)
	} else {
		logger.Debug("websocket forwarding error", "error", err, "byServer", byServer)
	}
	markClosed(state, byServer)
	to.Close()
}

func markClosed(state *closeState, byServer bool) {
	if byServer {
		state.closedByServer.CompareAndSwap(false, true)
	} else {
		state.closedByClient.CompareAndSwap(false, true)
	}
}

// normalizeCloseCode maps reserved close codes in [1004, 1006] to 1001,
// since these must never appear on the wire.
func normalizeCloseCode(code int) int {
	if code >= 1004 && code <= 1006 {
		return 1001
	}
	return code
}

func parseCloseFrame(data []byte) (int, string) {
	if len(data) < 2 {
		return websocket.CloseNoStatusReceived, ""
	}
	code := int(data[0])<<8 | int(data[1])
	return code, string(data[2:])
}
