package proxy

import (
	"strings"
	"testing"
)

func TestVSCodeTargetPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/code", "/vscode-direct/"},
		{"/code/", "/vscode-direct/"},
		{"/code/static/out.js", "/vscode-direct/static/out.js"},
		{"/coder", "/coder"},
		{"/vscode-direct/x", "/vscode-direct/x"},
	}
	for _, tc := range cases {
		if got := vscodeTargetPath(tc.in); got != tc.want {
			t.Errorf("vscodeTargetPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVSCodeIsRoot(t *testing.T) {
	for _, p := range []string{"/vscode-direct", "/vscode-direct/", "", "/"} {
		if !vscodeIsRoot(p) {
			t.Errorf("%q should be root", p)
		}
	}
	for _, p := range []string{"/vscode-direct/static", "/x"} {
		if vscodeIsRoot(p) {
			t.Errorf("%q should not be root", p)
		}
	}
}

func TestRewriteVSCodeCookie(t *testing.T) {
	got := rewriteVSCodeCookie("vscode-tkn=abc; Domain=node042; Path=/vscode-direct; HttpOnly")
	want := "vscode-tkn=abc; HttpOnly; Path=/"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	// no attributes at all still gains Path=/
	if got := rewriteVSCodeCookie("k=v"); got != "k=v; Path=/" {
		t.Errorf("bare cookie: %q", got)
	}
}

func TestExpireVSCodeCookies(t *testing.T) {
	cookies := expireVSCodeCookies()
	if len(cookies) != 3 {
		t.Fatalf("expected 3 cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if !strings.Contains(c, "Max-Age=0") || !strings.Contains(c, "Path=/") {
			t.Errorf("cookie %q should expire at root", c)
		}
	}
}

func TestRewriteRStudioCookie(t *testing.T) {
	// the signed value is preserved verbatim, attributes are replaced
	got := rewriteRStudioCookie("rs-csrf=a|b%3D; Path=/; HttpOnly; SameSite=Lax")
	want := "rs-csrf=a|b%3D; HttpOnly; Path=/rstudio-direct; Secure; SameSite=None"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	got = rewriteRStudioCookie("user-id=alice; Secure; Domain=node042")
	want = "user-id=alice; Path=/rstudio-direct; Secure; SameSite=None"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewriteRStudioLocation(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"loopback root", "http://127.0.0.1:39000/", "/rstudio-direct"},
		{"loopback path", "http://127.0.0.1:39000/auth-sign-in", "/rstudio-direct/auth-sign-in"},
		{"localhost", "http://localhost:39000/x", "/rstudio-direct/x"},
		{"external https", "https://hpc.example.edu/auth-sign-in", "/rstudio-direct/auth-sign-in"},
		{"bare root-relative", "/auth-sign-in", "/rstudio-direct/auth-sign-in"},
		{"already prefixed", "/rstudio-direct/x", "/rstudio-direct/x"},
		{"foreign host untouched", "https://cran.r-project.org/", "https://cran.r-project.org/"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		if got := rewriteRStudioLocation(tc.in, 39000, "hpc.example.edu"); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestJupyterTargetPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/jupyter", "/jupyter-direct/"},
		{"/jupyter/", "/jupyter-direct/"},
		{"/jupyter/lab/tree", "/jupyter-direct/lab/tree"},
		{"/jupyterhub", "/jupyterhub"},
	}
	for _, tc := range cases {
		if got := jupyterTargetPath(tc.in); got != tc.want {
			t.Errorf("jupyterTargetPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJupyterQuery(t *testing.T) {
	if got := jupyterQuery("", "t0k"); got != "token=t0k" {
		t.Errorf("empty query: %q", got)
	}
	if got := jupyterQuery("a=1", "t0k"); got != "a=1&token=t0k" {
		t.Errorf("appended: %q", got)
	}
	// an explicit token is never overridden
	if got := jupyterQuery("token=other", "t0k"); got != "token=other" {
		t.Errorf("explicit token: %q", got)
	}
	if got := jupyterQuery("a=1", ""); got != "a=1" {
		t.Errorf("no session token: %q", got)
	}
}
