package proxy

import (
	"fmt"
	"strings"
)

// Path prefixes: the browser-facing prefix and the upstream prefix each IDE
// is served under.
const (
	vscodePublicPrefix  = "/code"
	vscodeDirectPrefix  = "/vscode-direct"
	rstudioDirectPrefix = "/rstudio-direct"
	jupyterPublicPrefix = "/jupyter"
	jupyterDirectPrefix = "/jupyter-direct"
)

// vscodeTargetPath maps the public /code path onto the upstream prefix.
func vscodeTargetPath(path string) string {
	if path == vscodePublicPrefix || path == vscodePublicPrefix+"/" {
		return vscodeDirectPrefix + "/"
	}
	if strings.HasPrefix(path, vscodePublicPrefix+"/") {
		return vscodeDirectPrefix + strings.TrimPrefix(path, vscodePublicPrefix)
	}
	return path
}

// vscodeIsRoot reports whether the target path, with the trailing slash
// stripped, is the VS Code root. Token injection only happens there.
func vscodeIsRoot(path string) bool {
	trimmed := strings.TrimSuffix(path, "/")
	return trimmed == vscodeDirectPrefix || trimmed == ""
}

// rewriteVSCodeCookie strips any Domain attribute and forces Path=/ so the
// IDE's cookies stick to the broker origin. Values are untouched.
func rewriteVSCodeCookie(setCookie string) string {
	parts := strings.Split(setCookie, ";")
	out := []string{strings.TrimSpace(parts[0])}
	for _, attr := range parts[1:] {
		a := strings.TrimSpace(attr)
		lower := strings.ToLower(a)
		if strings.HasPrefix(lower, "domain=") || strings.HasPrefix(lower, "path=") {
			continue
		}
		out = append(out, a)
	}
	out = append(out, "Path=/")
	return strings.Join(out, "; ")
}

// vscodeStaleCookies are the cookies cleared when a stale token causes a 403
// loop; VS Code re-authenticates from scratch after the redirect.
var vscodeStaleCookies = []string{"vscode-tkn", "vscode-secret-key-path", "vscode-cli-secret-half"}

// expireVSCodeCookies builds the Set-Cookie values that clear the stale
// token cookies.
func expireVSCodeCookies() []string {
	out := make([]string, len(vscodeStaleCookies))
	for i, name := range vscodeStaleCookies {
		out[i] = name + "=; Path=/; Expires=Thu, 01 Jan 1970 00:00:00 GMT; Max-Age=0"
	}
	return out
}

// rewriteRStudioCookie pins Path=/rstudio-direct (no trailing slash) and
// adds Secure and SameSite=None so the cookie survives iframe embedding.
// RStudio signs its cookie values, so the name=value part is never touched.
func rewriteRStudioCookie(setCookie string) string {
	parts := strings.Split(setCookie, ";")
	out := []string{strings.TrimSpace(parts[0])}
	for _, attr := range parts[1:] {
		a := strings.TrimSpace(attr)
		lower := strings.ToLower(a)
		if strings.HasPrefix(lower, "path=") || strings.HasPrefix(lower, "domain=") ||
			lower == "secure" || strings.HasPrefix(lower, "samesite=") {
			continue
		}
		out = append(out, a)
	}
	out = append(out, "Path="+rstudioDirectPrefix, "Secure", "SameSite=None")
	return strings.Join(out, "; ")
}

// rewriteRStudioLocation collapses redirect targets back under the rstudio
// prefix: absolute URLs on the loopback port and on the external host both
// fold to /rstudio-direct, and bare root-relative locations get the prefix.
func rewriteRStudioLocation(location string, port int, externalHost string) string {
	if location == "" {
		return location
	}
	loopback := []string{
		fmt.Sprintf("http://127.0.0.1:%d", port),
		fmt.Sprintf("http://localhost:%d", port),
	}
	for _, prefix := range loopback {
		if strings.HasPrefix(location, prefix) {
			return rstudioPath(strings.TrimPrefix(location, prefix))
		}
	}
	if externalHost != "" {
		for _, scheme := range []string{"https://", "http://"} {
			prefix := scheme + externalHost
			if strings.HasPrefix(location, prefix) {
				return rstudioPath(strings.TrimPrefix(location, prefix))
			}
		}
	}
	if strings.HasPrefix(location, "/") && !strings.HasPrefix(location, rstudioDirectPrefix) {
		return rstudioDirectPrefix + location
	}
	return location
}

func rstudioPath(rest string) string {
	if rest == "" || rest == "/" {
		return rstudioDirectPrefix
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if strings.HasPrefix(rest, rstudioDirectPrefix) {
		return rest
	}
	return rstudioDirectPrefix + rest
}

// jupyterTargetPath maps the public /jupyter path onto the upstream prefix.
func jupyterTargetPath(path string) string {
	if path == jupyterPublicPrefix || path == jupyterPublicPrefix+"/" {
		return jupyterDirectPrefix + "/"
	}
	if strings.HasPrefix(path, jupyterPublicPrefix+"/") {
		return jupyterDirectPrefix + strings.TrimPrefix(path, jupyterPublicPrefix)
	}
	return path
}

// jupyterQuery appends the session token when the query carries none;
// Jupyter authenticates by query-string token.
func jupyterQuery(rawQuery, token string) string {
	if token == "" || hasTokenParam(rawQuery) {
		return rawQuery
	}
	if rawQuery == "" {
		return "token=" + token
	}
	return rawQuery + "&token=" + token
}

func hasTokenParam(rawQuery string) bool {
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "token" || strings.HasPrefix(pair, "token=") {
			return true
		}
	}
	return false
}
