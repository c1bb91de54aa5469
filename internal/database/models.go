package database

import "time"

// ActiveSession is the persistent row behind one in-memory session. The
// in-memory map is a cache of this table; every mutation writes through.
type ActiveSession struct {
	SessionKey string `gorm:"primaryKey;size:256" json:"session_key"`
	User       string `gorm:"not null;index:idx_active_user" json:"user"`
	HPC        string `gorm:"not null" json:"hpc"`
	IDE        string `gorm:"not null" json:"ide"`

	CPUs           int    `gorm:"not null;default:0" json:"cpus"`
	Memory         string `json:"memory"`
	Walltime       string `json:"walltime"`
	GPU            string `gorm:"default:none" json:"gpu"`
	Account        string `json:"account"`
	ReleaseVersion string `json:"release_version"`

	Status          string     `gorm:"not null;default:idle" json:"status"`
	JobID           string     `json:"job_id"`
	Node            string     `json:"node"`
	Token           string     `json:"-"` // Fernet-encrypted
	SubmittedAt     *time.Time `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at"`
	TimeLeftSeconds int        `json:"time_left_seconds"`
	LastActivityMS  int64      `json:"last_activity"` // unix milliseconds
	Error           string     `json:"error"`
	UsedDevServer   bool       `gorm:"column:used_dev_server" json:"used_dev_server"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionHistory is the immutable archive row written when a session is
// cleared past idle.
type SessionHistory struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionKey string `gorm:"not null" json:"session_key"`
	User       string `gorm:"not null;index:idx_history_user_started" json:"user"`
	HPC        string `gorm:"not null" json:"hpc"`
	IDE        string `gorm:"not null" json:"ide"`

	CPUs           int    `json:"cpus"`
	Memory         string `json:"memory"`
	Walltime       string `json:"walltime"`
	GPU            string `json:"gpu"`
	Account        string `json:"account"`
	ReleaseVersion string `json:"release_version"`
	JobID          string `json:"job_id"`

	SubmittedAt     *time.Time `json:"submitted_at"`
	StartedAt       *time.Time `gorm:"index:idx_history_user_started" json:"started_at"`
	EndedAt         time.Time  `gorm:"not null" json:"ended_at"`
	WaitSeconds     int        `json:"wait_seconds"`
	DurationMinutes int        `json:"duration_minutes"`
	EndReason       string     `gorm:"not null;default:completed" json:"end_reason"`
	ErrorMessage    string     `json:"error_message"`
	UsedDevServer   bool       `gorm:"column:used_dev_server" json:"used_dev_server"`
}

func (SessionHistory) TableName() string { return "session_history" }

// ClusterHealthEntry is one full-resolution health sample (retained 24h,
// then downsampled into ClusterHealthArchive).
type ClusterHealthEntry struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	HPC            string    `gorm:"not null;index:idx_health_hpc_ts" json:"hpc"`
	Timestamp      time.Time `gorm:"not null;index:idx_health_hpc_ts" json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	NodePercent    float64   `json:"node_percent"`
	GPUPercent     float64   `json:"gpu_percent"`
	RunningJobs    int       `json:"running_jobs"`
	PendingJobs    int       `json:"pending_jobs"`
	A100CPUPercent *float64  `json:"a100_cpu_percent"`
	V100CPUPercent *float64  `json:"v100_cpu_percent"`
}

func (ClusterHealthEntry) TableName() string { return "cluster_health" }

// ClusterHealthArchive holds hourly-median downsampled samples, indexed by
// date, retained 365 days.
type ClusterHealthArchive struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	HPC            string    `gorm:"not null;index:idx_archive_hpc_date" json:"hpc"`
	Date           string    `gorm:"not null;size:10;index:idx_archive_hpc_date" json:"date"` // YYYY-MM-DD
	Timestamp      time.Time `gorm:"not null" json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	NodePercent    float64   `json:"node_percent"`
	GPUPercent     float64   `json:"gpu_percent"`
	RunningJobs    int       `json:"running_jobs"`
	PendingJobs    int       `json:"pending_jobs"`
	A100CPUPercent *float64  `json:"a100_cpu_percent"`
	V100CPUPercent *float64  `json:"v100_cpu_percent"`
	SampleCount    int       `gorm:"not null;default:1" json:"sample_count"`
}

func (ClusterHealthArchive) TableName() string { return "cluster_health_archive" }

// ClusterCacheEntry is the last-known health snapshot per cluster, stored
// as JSON so restarts can serve a view before the first poll completes.
type ClusterCacheEntry struct {
	HPC       string    `gorm:"primaryKey;size:64" json:"hpc"`
	Data      string    `gorm:"type:text" json:"data"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ClusterCacheEntry) TableName() string { return "cluster_cache" }

// AppState is a small key/value table. Recognised keys: activeSession
// (JSON {user, hpc, ide}), known_hosts (OpenSSH known_hosts content).
type AppState struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AppState) TableName() string { return "app_state" }

// PartitionLimit is the parsed SLURM partition limits row, composite-keyed
// by (cluster, partition).
type PartitionLimit struct {
	HPC               string    `gorm:"primaryKey;size:64" json:"hpc"`
	Name              string    `gorm:"primaryKey;size:64" json:"name"`
	IsDefault         bool      `json:"is_default"`
	MaxCPUs           *int      `json:"max_cpus"`
	MaxMemMB          *int      `json:"max_mem_mb"`
	MaxTime           string    `json:"max_time"`
	DefaultTime       string    `json:"default_time"`
	TotalCPUs         int       `json:"total_cpus"`
	TotalNodes        int       `json:"total_nodes"`
	TotalMemMB        int       `json:"total_mem_mb"`
	GPUCount          int       `json:"gpu_count"`
	GPUType           string    `json:"gpu_type"`
	Restricted        bool      `json:"restricted"`
	RestrictionReason string    `json:"restriction_reason"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserAccount caches a user's default scheduler account. Rows never expire
// in-process; they are refreshed on the next process start.
type UserAccount struct {
	User      string    `gorm:"primaryKey;size:64" json:"user"`
	Account   string    `gorm:"not null" json:"account"`
	FetchedAt time.Time `gorm:"autoUpdateTime" json:"fetched_at"`
}
