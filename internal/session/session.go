package session

import (
	"log"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/crypto"
	"github.com/hpcdesk/hpcdesk/internal/database"
)

// Session statuses, ordered: a session past idle has touched the scheduler
// and is archived on clear.
const (
	StatusIdle    = "idle"
	StatusPending = "pending"
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Session is the in-memory record for one interactive IDE attempt. The token
// is held in the clear here and Fernet-encrypted in the database row.
type Session struct {
	SessionKey string `json:"session_key"`
	User       string `json:"user"`
	HPC        string `json:"hpc"`
	IDE        string `json:"ide"`

	CPUs           int    `json:"cpus"`
	Memory         string `json:"memory"`
	Walltime       string `json:"walltime"`
	GPU            string `json:"gpu"`
	Account        string `json:"account"`
	ReleaseVersion string `json:"release_version"`

	Status          string     `json:"status"`
	JobID           string     `json:"job_id"`
	Node            string     `json:"node"`
	Token           string     `json:"-"`
	SubmittedAt     *time.Time `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at"`
	TimeLeftSeconds int        `json:"time_left_seconds"`
	LastActivityMS  int64      `json:"last_activity"`
	Error           string     `json:"error"`
	UsedDevServer   bool       `json:"used_dev_server"`
}

// Active reports whether the session holds a scheduler job slot.
func (s *Session) Active() bool {
	return s.Status == StatusPending || s.Status == StatusRunning
}

// pastIdle reports whether the session ever touched the scheduler, which is
// what decides archival on clear.
func (s *Session) pastIdle() bool {
	return s.Status != "" && s.Status != StatusIdle
}

func (s *Session) toRow() database.ActiveSession {
	token := ""
	if s.Token != "" {
		enc, err := crypto.Encrypt(s.Token)
		if err != nil {
			log.Printf("Token encryption for %s failed, not persisting token: %v", s.SessionKey, err)
		} else {
			token = enc
		}
	}
	return database.ActiveSession{
		SessionKey:      s.SessionKey,
		User:            s.User,
		HPC:             s.HPC,
		IDE:             s.IDE,
		CPUs:            s.CPUs,
		Memory:          s.Memory,
		Walltime:        s.Walltime,
		GPU:             s.GPU,
		Account:         s.Account,
		ReleaseVersion:  s.ReleaseVersion,
		Status:          s.Status,
		JobID:           s.JobID,
		Node:            s.Node,
		Token:           token,
		SubmittedAt:     s.SubmittedAt,
		StartedAt:       s.StartedAt,
		TimeLeftSeconds: s.TimeLeftSeconds,
		LastActivityMS:  s.LastActivityMS,
		Error:           s.Error,
		UsedDevServer:   s.UsedDevServer,
	}
}

func fromRow(row database.ActiveSession) Session {
	token := ""
	if row.Token != "" {
		dec, err := crypto.Decrypt(row.Token)
		if err != nil {
			log.Printf("Token decryption for %s failed, dropping token: %v", row.SessionKey, err)
		} else {
			token = dec
		}
	}
	return Session{
		SessionKey:      row.SessionKey,
		User:            row.User,
		HPC:             row.HPC,
		IDE:             row.IDE,
		CPUs:            row.CPUs,
		Memory:          row.Memory,
		Walltime:        row.Walltime,
		GPU:             row.GPU,
		Account:         row.Account,
		ReleaseVersion:  row.ReleaseVersion,
		Status:          row.Status,
		JobID:           row.JobID,
		Node:            row.Node,
		Token:           token,
		SubmittedAt:     row.SubmittedAt,
		StartedAt:       row.StartedAt,
		TimeLeftSeconds: row.TimeLeftSeconds,
		LastActivityMS:  row.LastActivityMS,
		Error:           row.Error,
		UsedDevServer:   row.UsedDevServer,
	}
}
