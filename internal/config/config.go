package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`

	// SSH / cluster defaults
	SSHUser      string `envconfig:"HPC_SSH_USER" default:""`
	ClustersFile string `envconfig:"CLUSTERS_FILE" default:"/app/data/clusters.yaml"`
	DefaultHPC   string `envconfig:"DEFAULT_HPC" default:""`
	DefaultIDE   string `envconfig:"DEFAULT_IDE" default:"vscode"`

	// Resource defaults for new sessions
	DefaultCPUs int    `envconfig:"DEFAULT_CPUS" default:"4"`
	DefaultMem  string `envconfig:"DEFAULT_MEM" default:"40G"`
	DefaultTime string `envconfig:"DEFAULT_TIME" default:"02:00:00"`

	// SessionIdleTimeout is in minutes; 0 disables the idle reaper.
	SessionIdleTimeout int `envconfig:"SESSION_IDLE_TIMEOUT" default:"0"`

	// State persistence
	EnableStatePersistence bool   `envconfig:"ENABLE_STATE_PERSISTENCE" default:"false"`
	StateFile              string `envconfig:"STATE_FILE" default:""`
	UseSqlite              bool   `envconfig:"USE_SQLITE" default:"true"`
	DatabasePath           string `envconfig:"DATABASE_PATH" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("HPCDESK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = Cfg.DataPath + "/hpcdesk.db"
	}
}

// AdditionalPorts returns the dev-server ports forwarded alongside each IDE
// tunnel. An absent variable yields the default [5500]; an explicitly empty
// value yields no ports at all.
func AdditionalPorts() []int {
	raw, present := os.LookupEnv("ADDITIONAL_PORTS")
	if !present {
		return []int{5500}
	}
	return parsePortList(raw)
}

func parsePortList(raw string) []int {
	ports := []int{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p <= 0 || p > 65535 {
			log.Printf("Ignoring invalid ADDITIONAL_PORTS entry %q", part)
			continue
		}
		ports = append(ports, p)
	}
	return ports
}
