package handlers

import (
	"fmt"
	"net/http"

	"github.com/hpcdesk/hpcdesk/internal/proxy"
	"github.com/hpcdesk/hpcdesk/internal/session"
)

// IDEProxy returns the handler for one proxy mount. The mount serves the
// session the active pointer names; the proxy itself is created lazily the
// first time traffic arrives after the tunnel is up.
func IDEProxy(ide string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ptr := State.ActivePointer()
		if ptr == nil {
			serveUnavailable(w, "no active session")
			return
		}

		// the dev-server mount rides the active session's tunnel
		sessionIDE := ide
		if ide == proxy.IDEPort {
			sessionIDE = ptr.IDE
		} else if ptr.IDE != ide {
			serveUnavailable(w, fmt.Sprintf("active session is %s, not %s", ptr.IDE, ide))
			return
		}

		key := session.Key{User: ptr.User, Cluster: ptr.HPC, IDE: sessionIDE}.String()

		p := Proxies.Get(key, ide)
		if p == nil {
			var err error
			p, err = Proxies.Create(key, ide)
			if err != nil {
				serveUnavailable(w, "session is not running yet")
				return
			}
		}

		if ide == proxy.IDEPort {
			State.Store.MarkDevServerUsed(key)
		}
		p.ServeHTTP(w, r)
	}
}

// serveUnavailable answers a proxy mount that has nothing to serve. The
// body is HTML because the caller is a browser, not the JSON API.
func serveUnavailable(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Session unavailable</title></head>
<body>
<h1>Session unavailable</h1>
<p>%s</p>
</body>
</html>
`, reason)
}
