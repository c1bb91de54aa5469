// Package proxy serves the browser-facing side of each session: one proxy
// object per session key, bound to the session's local tunnel port, with
// IDE-specific request/response rewriting and WebSocket relay.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// rstudioTimeout covers RStudio's long-poll RPC; shorter client timeouts
// abort event streams mid-flight.
const rstudioTimeout = 5 * time.Minute

const defaultTimeout = 30 * time.Second

// Proxy forwards one session's HTTP and WebSocket traffic to its local
// tunnel port.
type Proxy struct {
	SessionKey string
	IDE        string
	Port       int

	client      *http.Client
	tokenLookup func(ide string) (string, bool)
	activity    func(sessionKey string)
}

func newProxy(sessionKey, ide string, port int, tokenLookup func(string) (string, bool), activity func(string)) *Proxy {
	client := &http.Client{
		Timeout: defaultTimeout,
		// redirects go back through the proxy so Location rewriting applies
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if ide == IDERStudio {
		client.Timeout = rstudioTimeout
		client.Transport = &http.Transport{
			DisableKeepAlives:     true, // RStudio answers long-polls with Connection: close
			ResponseHeaderTimeout: rstudioTimeout,
		}
	}
	return &Proxy{
		SessionKey:  sessionKey,
		IDE:         ide,
		Port:        port,
		client:      client,
		tokenLookup: tokenLookup,
		activity:    activity,
	}
}

func (p *Proxy) token() string {
	if p.tokenLookup == nil {
		return ""
	}
	tok, _ := p.tokenLookup(p.IDE)
	return tok
}

func (p *Proxy) touch() {
	if p.activity != nil {
		p.activity(p.SessionKey)
	}
}

// ServeHTTP proxies one request, rewriting per IDE. Every proxied response
// and socket open counts as session activity.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.serveWebSocket(w, r)
		return
	}

	targetPath, rawQuery, staleCookie := p.rewriteTarget(r)

	targetURL := fmt.Sprintf("http://127.0.0.1:%d%s", p.Port, targetPath)
	if rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		serveErrorPage(w, p.IDE, err)
		return
	}
	copyHeaders(proxyReq.Header, r.Header)
	if p.IDE == IDERStudio {
		proxyReq.Header.Set("X-RStudio-Root-Path", rstudioDirectPrefix)
	}

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		log.Printf("Proxy %s: upstream error on port %d: %v", p.SessionKey, p.Port, err)
		serveErrorPage(w, p.IDE, err)
		return
	}
	defer resp.Body.Close()

	p.touch()

	// a stale VS Code token cookie causes a hard 403 loop; clear the
	// cookies and send the browser back to the entry point
	if p.IDE == IDEVSCode && resp.StatusCode == http.StatusForbidden && staleCookie {
		for _, c := range expireVSCodeCookies() {
			w.Header().Add("Set-Cookie", c)
		}
		w.Header().Set("Location", vscodePublicPrefix+"/")
		w.WriteHeader(http.StatusFound)
		return
	}

	p.writeResponse(w, r, resp)
}

// rewriteTarget maps the incoming path and query onto the upstream, and for
// vscode reports whether the request carried a stale token cookie.
func (p *Proxy) rewriteTarget(r *http.Request) (path, rawQuery string, staleCookie bool) {
	path, rawQuery = r.URL.Path, r.URL.RawQuery

	switch p.IDE {
	case IDEVSCode:
		path = vscodeTargetPath(path)
		token := p.token()
		cookie, err := r.Cookie("vscode-tkn")
		hasValid := err == nil && token != "" && cookie.Value == token
		staleCookie = err == nil && token != "" && cookie.Value != token
		if !hasValid && token != "" && vscodeIsRoot(path) {
			q := "tkn=" + token
			if rawQuery != "" {
				q = rawQuery + "&" + q
			}
			return "/", q, staleCookie
		}
	case IDEJupyter:
		path = jupyterTargetPath(path)
		rawQuery = jupyterQuery(rawQuery, p.token())
	}
	return path, rawQuery, staleCookie
}

func (p *Proxy) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		switch {
		case name == "Set-Cookie":
			for _, v := range values {
				switch p.IDE {
				case IDEVSCode:
					header.Add("Set-Cookie", rewriteVSCodeCookie(v))
				case IDERStudio:
					header.Add("Set-Cookie", rewriteRStudioCookie(v))
				default:
					header.Add("Set-Cookie", v)
				}
			}
		case name == "Location" && p.IDE == IDERStudio:
			for _, v := range values {
				header.Add("Location", rewriteRStudioLocation(v, p.Port, r.Host))
			}
		case name == "X-Frame-Options" && p.IDE == IDERStudio:
			// dropped so the IDE can be embedded
		default:
			for _, v := range values {
				header.Add(name, v)
			}
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// serveWebSocket relays a socket to the upstream IDE, negotiating the
// client's subprotocols through.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	var subprotocols []string
	if requested := r.Header.Get("Sec-WebSocket-Protocol"); requested != "" {
		subprotocols = strings.Split(requested, ", ")
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Proxy %s: websocket accept: %v", p.SessionKey, err)
		return
	}
	defer clientConn.CloseNow()

	targetPath, rawQuery, _ := p.rewriteTarget(r)
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d%s", p.Port, targetPath)
	if rawQuery != "" {
		wsURL += "?" + rawQuery
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	upstreamConn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		log.Printf("Proxy %s: websocket dial on port %d: %v", p.SessionKey, p.Port, err)
		clientConn.Close(4502, "cannot reach IDE")
		return
	}
	defer upstreamConn.CloseNow()

	p.touch()

	clientConn.SetReadLimit(4 * 1024 * 1024)
	upstreamConn.SetReadLimit(4 * 1024 * 1024)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	go func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := upstreamConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	func() {
		defer relayCancel()
		for {
			msgType, data, err := upstreamConn.Read(relayCtx)
			if err != nil {
				return
			}
			if err := clientConn.Write(relayCtx, msgType, data); err != nil {
				return
			}
		}
	}()

	clientConn.Close(websocket.StatusNormalClosure, "")
	upstreamConn.Close(websocket.StatusNormalClosure, "")
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// hop-by-hop headers are not forwarded
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopHeaders[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// serveErrorPage answers 502 with a small HTML page; the session itself is
// left alone, the next poll decides its fate.
func serveErrorPage(w http.ResponseWriter, ide string, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Session unavailable</title></head>
<body>
<h1>Cannot reach the %s session</h1>
<p>The IDE did not answer. The job may still be starting, or the tunnel dropped.</p>
<p><code>%s</code></p>
</body>
</html>
`, ide, err)
}
