// Package session owns the broker's session state: the composite session
// key, the active-session store with its write-through persistence and
// history archive, the state manager binding locks and reconciliation, and
// the launch/stop pipelines.
package session

import (
	"strings"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
)

// IDEs the broker can launch.
const (
	IDEVSCode  = "vscode"
	IDERStudio = "rstudio"
	IDEJupyter = "jupyter"
)

// ValidIDE reports whether ide is one of the supported IDE tags.
func ValidIDE(ide string) bool {
	switch ide {
	case IDEVSCode, IDERStudio, IDEJupyter:
		return true
	}
	return false
}

// Key identifies one session as (user, cluster, ide).
type Key struct {
	User    string
	Cluster string
	IDE     string
}

// String renders the composite key: user-cluster-ide.
func (k Key) String() string {
	return k.User + "-" + k.Cluster + "-" + k.IDE
}

// ParseKey splits a composite key. The IDE is the last hyphen token and the
// cluster the second-to-last; everything before is the user, because
// usernames may themselves contain hyphens.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return Key{}, apperror.Newf(apperror.Validation, "malformed session key %q", s)
	}
	k := Key{
		User:    strings.Join(parts[:len(parts)-2], "-"),
		Cluster: parts[len(parts)-2],
		IDE:     parts[len(parts)-1],
	}
	if k.User == "" || k.Cluster == "" {
		return Key{}, apperror.Newf(apperror.Validation, "malformed session key %q", s)
	}
	if !ValidIDE(k.IDE) {
		return Key{}, apperror.Newf(apperror.Validation, "unknown ide %q in session key", k.IDE)
	}
	return k, nil
}
