package session

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store holds every active session in memory and writes each mutation
// through to the active_sessions table. Methods hand out copies; mutation
// goes through Update so the map stays the single source of truth.
type Store struct {
	db *gorm.DB

	mu       sync.RWMutex
	sessions map[string]Session
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, sessions: make(map[string]Session)}
}

// Load repopulates the active sessions from the database.
func (s *Store) Load() {
	if s.db == nil {
		return
	}
	var rows []database.ActiveSession
	if err := s.db.Find(&rows).Error; err != nil {
		log.Printf("Session store load failed: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.sessions[row.SessionKey] = fromRow(row)
	}
	if len(rows) > 0 {
		log.Printf("Session store loaded (%d active sessions)", len(rows))
	}
}

// Create registers a new idle session. Fails if the key already exists.
func (s *Store) Create(key Key, init Session) (Session, error) {
	sess := initSession(key, init)

	s.mu.Lock()
	if _, exists := s.sessions[sess.SessionKey]; exists {
		s.mu.Unlock()
		return Session{}, apperror.Newf(apperror.Validation, "session %s already exists", sess.SessionKey)
	}
	s.sessions[sess.SessionKey] = sess
	s.mu.Unlock()

	s.persist(sess)
	return sess, nil
}

// GetOrCreate returns the existing session or registers a new idle one. A
// concurrent winner's record is returned untouched.
func (s *Store) GetOrCreate(key Key, init Session) Session {
	s.mu.Lock()
	if existing, ok := s.sessions[key.String()]; ok {
		s.mu.Unlock()
		return existing
	}
	sess := initSession(key, init)
	s.sessions[sess.SessionKey] = sess
	s.mu.Unlock()

	s.persist(sess)
	return sess
}

func initSession(key Key, init Session) Session {
	sess := init
	sess.SessionKey = key.String()
	sess.User = key.User
	sess.HPC = key.Cluster
	sess.IDE = key.IDE
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	if sess.GPU == "" {
		sess.GPU = "none"
	}
	return sess
}

// Get returns a copy of the session.
func (s *Store) Get(sessionKey string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionKey]
	s.mu.RUnlock()
	if !ok {
		return Session{}, apperror.Newf(apperror.NotFound, "no session %s", sessionKey)
	}
	return sess, nil
}

// Update applies mutate to the session under the store lock and writes the
// result through. Fails if the session is missing.
func (s *Store) Update(sessionKey string, mutate func(*Session)) (Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionKey]
	if !ok {
		s.mu.Unlock()
		return Session{}, apperror.Newf(apperror.NotFound, "no session %s", sessionKey)
	}
	mutate(&sess)
	// identity fields are immutable
	sess.SessionKey = sessionKey
	s.sessions[sessionKey] = sess
	s.mu.Unlock()

	s.persist(sess)
	return sess, nil
}

// ClearOptions controls archival on Clear.
type ClearOptions struct {
	EndReason    string // defaults to "completed"
	ErrorMessage string
}

// Clear removes the session. Sessions that went past idle are archived to
// history with the end reason and the derived wait/duration figures; the
// archive insert and the active-row delete run in one transaction.
func (s *Store) Clear(sessionKey string, opts ClearOptions) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionKey]
	if ok {
		delete(s.sessions, sessionKey)
	}
	s.mu.Unlock()
	if !ok {
		return apperror.Newf(apperror.NotFound, "no session %s", sessionKey)
	}

	if !sess.pastIdle() {
		if s.db != nil {
			s.db.Delete(&database.ActiveSession{}, "session_key = ?", sessionKey)
		}
		return nil
	}

	hist := archiveRecord(sess, opts)
	if s.db == nil {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&hist).Error; err != nil {
			return err
		}
		return tx.Delete(&database.ActiveSession{}, "session_key = ?", sessionKey).Error
	})
	if err != nil {
		log.Printf("Archive of %s failed, continuing in-memory: %v", sessionKey, err)
	}
	return nil
}

func archiveRecord(sess Session, opts ClearOptions) database.SessionHistory {
	endReason := opts.EndReason
	if endReason == "" {
		endReason = "completed"
	}
	endedAt := time.Now()

	waitSeconds := 0
	if sess.SubmittedAt != nil && sess.StartedAt != nil {
		waitSeconds = int(sess.StartedAt.Sub(*sess.SubmittedAt).Seconds())
		if waitSeconds < 0 {
			waitSeconds = 0
		}
	}
	durationMinutes := 0
	if sess.StartedAt != nil {
		durationMinutes = int(endedAt.Sub(*sess.StartedAt).Minutes())
		if durationMinutes < 0 {
			durationMinutes = 0
		}
	}

	return database.SessionHistory{
		SessionKey:      sess.SessionKey,
		User:            sess.User,
		HPC:             sess.HPC,
		IDE:             sess.IDE,
		CPUs:            sess.CPUs,
		Memory:          sess.Memory,
		Walltime:        sess.Walltime,
		GPU:             sess.GPU,
		Account:         sess.Account,
		ReleaseVersion:  sess.ReleaseVersion,
		JobID:           sess.JobID,
		SubmittedAt:     sess.SubmittedAt,
		StartedAt:       sess.StartedAt,
		EndedAt:         endedAt,
		WaitSeconds:     waitSeconds,
		DurationMinutes: durationMinutes,
		EndReason:       endReason,
		ErrorMessage:    opts.ErrorMessage,
		UsedDevServer:   sess.UsedDevServer,
	}
}

// All returns every session, sorted by key.
func (s *Store) All() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// ForUser returns the user's sessions, sorted by key.
func (s *Store) ForUser(user string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.User == user {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// ActiveOnly returns every pending or running session.
func (s *Store) ActiveOnly() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Active() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// HasActive reports whether the user has any pending or running session.
func (s *Store) HasActive(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.User == user && sess.Active() {
			return true
		}
	}
	return false
}

// MarkDevServerUsed flags the session as having used a dev-server port.
func (s *Store) MarkDevServerUsed(sessionKey string) {
	if _, err := s.Update(sessionKey, func(sess *Session) {
		sess.UsedDevServer = true
	}); err != nil {
		log.Printf("MarkDevServerUsed: %v", err)
	}
}

// Touch records proxy activity for the idle reaper.
func (s *Store) Touch(sessionKey string) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionKey]; ok {
		sess.LastActivityMS = time.Now().UnixMilli()
		s.sessions[sessionKey] = sess
	}
	s.mu.Unlock()
	// write-through is deliberately skipped: activity is high-frequency and
	// recoverable, it is re-derived from startedAt after a restart
}

// persist writes one session row through to the database.
func (s *Store) persist(sess Session) {
	if s.db == nil {
		return
	}
	row := sess.toRow()
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		log.Printf("Session persist for %s failed, continuing in-memory: %v", row.SessionKey, err)
	}
}

// HistoryFilter narrows history queries. Zero values mean no filter.
type HistoryFilter struct {
	User   string
	HPC    string
	IDE    string
	Limit  int
	Offset int
}

func (f HistoryFilter) apply(q *gorm.DB) *gorm.DB {
	if f.User != "" {
		q = q.Where("user = ?", f.User)
	}
	if f.HPC != "" {
		q = q.Where("hpc = ?", f.HPC)
	}
	if f.IDE != "" {
		q = q.Where("ide = ?", f.IDE)
	}
	return q
}

// History returns archived sessions, newest first.
func (s *Store) History(f HistoryFilter) ([]database.SessionHistory, error) {
	if s.db == nil {
		return nil, nil
	}
	q := f.apply(s.db.Model(&database.SessionHistory{})).Order("ended_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []database.SessionHistory
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperror.Wrap(apperror.Unexpected, "query session history", err)
	}
	return rows, nil
}

// HistoryCount counts archived sessions matching the filter.
func (s *Store) HistoryCount(f HistoryFilter) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var count int64
	if err := f.apply(s.db.Model(&database.SessionHistory{})).Count(&count).Error; err != nil {
		return 0, apperror.Wrap(apperror.Unexpected, "count session history", err)
	}
	return count, nil
}
