package session

import (
	"testing"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
)

func TestParseKey(t *testing.T) {
	cases := []struct {
		in   string
		want Key
	}{
		{"alice-gemini-vscode", Key{"alice", "gemini", "vscode"}},
		{"bob-apollo-rstudio", Key{"bob", "apollo", "rstudio"}},
		// hyphenated usernames: ide is last, cluster second-to-last
		{"van-der-berg-gemini-jupyter", Key{"van-der-berg", "gemini", "jupyter"}},
	}
	for _, tc := range cases {
		got, err := ParseKey(tc.in)
		if err != nil {
			t.Errorf("ParseKey(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseKey(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if got.String() != tc.in {
			t.Errorf("round trip of %q = %q", tc.in, got.String())
		}
	}
}

func TestParseKeyInvalid(t *testing.T) {
	for _, in := range []string{"", "vscode", "alice-vscode", "alice-gemini-emacs", "-gemini-vscode"} {
		if _, err := ParseKey(in); apperror.KindOf(err) != apperror.Validation {
			t.Errorf("ParseKey(%q) should be a validation error, got %v", in, err)
		}
	}
}

func TestValidIDE(t *testing.T) {
	for _, ide := range []string{IDEVSCode, IDERStudio, IDEJupyter} {
		if !ValidIDE(ide) {
			t.Errorf("%s should be valid", ide)
		}
	}
	if ValidIDE("emacs") || ValidIDE("") {
		t.Error("unknown ides should be invalid")
	}
}
