package session

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpcdesk/hpcdesk/internal/apperror"
	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/database"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExecFunc runs one command on one cluster through the SSH queue.
type ExecFunc func(ctx context.Context, cluster, command string) (string, error)

// ActivePointer names the session the UI considers foreground. The proxy
// layer resolves IDE tokens through it.
type ActivePointer struct {
	User string `json:"user"`
	HPC  string `json:"hpc"`
	IDE  string `json:"ide"`
}

const activePointerKey = "activeSession"

// Manager binds the session store to the rest of the broker: cooperative
// operation locks, the active-session pointer, the per-process user account
// cache, start-up reconciliation and the session-cleared notification.
type Manager struct {
	Store *Store
	exec  ExecFunc
	db    *gorm.DB

	lockMu sync.Mutex
	locks  map[string]time.Time

	ptrMu  sync.RWMutex
	active *ActivePointer

	acctMu   sync.Mutex
	accounts map[string]string

	clearedMu sync.RWMutex
	onCleared func(sessionKey string)

	ready atomic.Bool
}

func NewManager(store *Store, exec ExecFunc, db *gorm.DB) *Manager {
	return &Manager{
		Store:    store,
		exec:     exec,
		db:       db,
		locks:    make(map[string]time.Time),
		accounts: make(map[string]string),
	}
}

// SetOnSessionCleared registers the single listener notified whenever a
// session is cleared, including reconcile-driven clears. Tunnel and proxy
// teardown hang off it.
func (m *Manager) SetOnSessionCleared(fn func(sessionKey string)) {
	m.clearedMu.Lock()
	m.onCleared = fn
	m.clearedMu.Unlock()
}

// Ready reports whether Load has completed.
func (m *Manager) Ready() bool { return m.ready.Load() }

// Load brings the manager up: import any legacy JSON snapshot, repopulate
// the store, restore the active pointer and reconcile sessions against the
// clusters. Sessions whose job no longer exists are cleared with
// endReason=reconciled, firing the cleared listener.
func (m *Manager) Load(ctx context.Context) {
	m.migrateLegacySnapshot()
	m.Store.Load()
	m.loadActivePointer()
	m.reconcile(ctx)
	m.ready.Store(true)
	log.Printf("State manager ready (%d active sessions)", len(m.Store.All()))
}

// migrateLegacySnapshot imports the pre-sqlite JSON state file once, when
// the database holds no sessions yet. The file is left in place.
func (m *Manager) migrateLegacySnapshot() {
	path := config.Cfg.StateFile
	if path == "" || m.db == nil {
		return
	}
	var count int64
	m.db.Model(&database.ActiveSession{}).Count(&count)
	if count > 0 {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var legacy map[string]Session
	if err := json.Unmarshal(data, &legacy); err != nil {
		log.Printf("Legacy state file %s is not parseable, ignoring: %v", path, err)
		return
	}
	imported := 0
	for keyStr, sess := range legacy {
		key, err := ParseKey(keyStr)
		if err != nil {
			continue
		}
		sess.Token = "" // plaintext tokens from the JSON era are not trusted
		if _, err := m.Store.Create(key, sess); err == nil {
			imported++
		}
	}
	if imported > 0 {
		log.Printf("Imported %d sessions from legacy state file %s", imported, path)
	}
}

func (m *Manager) loadActivePointer() {
	if m.db == nil {
		return
	}
	var row database.AppState
	if err := m.db.Where("key = ?", activePointerKey).First(&row).Error; err != nil {
		return
	}
	var ptr ActivePointer
	if err := json.Unmarshal([]byte(row.Value), &ptr); err != nil || ptr.User == "" {
		return
	}
	m.ptrMu.Lock()
	m.active = &ptr
	m.ptrMu.Unlock()
}

// reconcile checks every session holding a job id against its cluster. Jobs
// that disappeared or finished while the broker was down are archived.
func (m *Manager) reconcile(ctx context.Context) {
	for _, sess := range m.Store.ActiveOnly() {
		if sess.JobID == "" {
			continue
		}
		out, err := m.exec(ctx, sess.HPC, slurm.InspectJobCommand(sess.JobID))
		if err != nil {
			log.Printf("Reconcile: cannot inspect job %s on %s, keeping session: %v", sess.JobID, sess.HPC, err)
			continue
		}
		alive := false
		for _, job := range slurm.ParseQueue(out) {
			if job.ID == sess.JobID && !job.State.Terminal() {
				alive = true
				break
			}
		}
		if alive {
			continue
		}
		log.Printf("Reconcile: job %s for %s is gone, archiving session", sess.JobID, sess.SessionKey)
		m.ClearSession(sess.SessionKey, ClearOptions{EndReason: "reconciled"})
	}
}

// ClearSession clears through the store and notifies the cleared listener.
func (m *Manager) ClearSession(sessionKey string, opts ClearOptions) error {
	if err := m.Store.Clear(sessionKey, opts); err != nil {
		return err
	}
	m.clearedMu.RLock()
	fn := m.onCleared
	m.clearedMu.RUnlock()
	if fn != nil {
		fn(sessionKey)
	}
	if ptr := m.ActivePointer(); ptr != nil {
		if (Key{User: ptr.User, Cluster: ptr.HPC, IDE: ptr.IDE}).String() == sessionKey {
			m.SetActivePointer(nil)
		}
	}
	return nil
}

// Acquire takes a cooperative operation lock. A second acquire of the same
// name fails with a Lock error until Release.
func (m *Manager) Acquire(op string) error {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if at, held := m.locks[op]; held {
		return apperror.Newf(apperror.Lock, "operation %s already in progress (since %s)", op, at.Format(time.RFC3339))
	}
	m.locks[op] = time.Now()
	return nil
}

// Release drops an operation lock. Releasing a lock not held is a no-op.
func (m *Manager) Release(op string) {
	m.lockMu.Lock()
	delete(m.locks, op)
	m.lockMu.Unlock()
}

// ActivePointer returns the current foreground session pointer, or nil.
func (m *Manager) ActivePointer() *ActivePointer {
	m.ptrMu.RLock()
	defer m.ptrMu.RUnlock()
	if m.active == nil {
		return nil
	}
	ptr := *m.active
	return &ptr
}

// SetActivePointer replaces the foreground pointer; nil clears it.
func (m *Manager) SetActivePointer(ptr *ActivePointer) {
	m.ptrMu.Lock()
	if ptr == nil {
		m.active = nil
	} else {
		p := *ptr
		m.active = &p
	}
	m.ptrMu.Unlock()

	if m.db == nil {
		return
	}
	if ptr == nil {
		m.db.Where("key = ?", activePointerKey).Delete(&database.AppState{})
		return
	}
	data, _ := json.Marshal(ptr)
	row := database.AppState{Key: activePointerKey, Value: string(data)}
	if err := m.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		log.Printf("Active pointer persist failed: %v", err)
	}
}

// TokenFor resolves the IDE token for the foreground session of the given
// IDE; the proxy layer injects it into requests.
func (m *Manager) TokenFor(ide string) (string, bool) {
	ptr := m.ActivePointer()
	if ptr == nil || ptr.IDE != ide {
		return "", false
	}
	sess, err := m.Store.Get(Key{User: ptr.User, Cluster: ptr.HPC, IDE: ptr.IDE}.String())
	if err != nil || sess.Token == "" {
		return "", false
	}
	return sess.Token, true
}

// FetchUserAccount resolves the user's default scheduler account on the
// first configured cluster. Results are cached for the process lifetime.
func (m *Manager) FetchUserAccount(ctx context.Context, user string) (string, error) {
	m.acctMu.Lock()
	if acct, ok := m.accounts[user]; ok {
		m.acctMu.Unlock()
		return acct, nil
	}
	m.acctMu.Unlock()

	names := config.ClusterNames()
	if len(names) == 0 {
		return "", apperror.New(apperror.Validation, "no clusters configured")
	}
	out, err := m.exec(ctx, names[0], slurm.UserAccountCommand(user))
	if err != nil {
		return "", err
	}
	acct, ok := slurm.ParseUserAccount(out)
	if !ok {
		return "", apperror.Newf(apperror.Job, "no scheduler account found for user %s", user)
	}

	m.acctMu.Lock()
	m.accounts[user] = acct
	m.acctMu.Unlock()

	if m.db != nil {
		row := database.UserAccount{User: user, Account: acct}
		m.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row)
	}
	return acct, nil
}

// SaveSnapshot writes the JSON session snapshot when state persistence is
// enabled. Best-effort: a write failure is logged and ignored.
func (m *Manager) SaveSnapshot() {
	if !config.Cfg.EnableStatePersistence || config.Cfg.StateFile == "" {
		return
	}
	snapshot := make(map[string]Session)
	for _, sess := range m.Store.All() {
		sess.Token = ""
		snapshot[sess.SessionKey] = sess
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.Printf("Snapshot marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(config.Cfg.StateFile, data, 0600); err != nil {
		log.Printf("Snapshot write failed: %v", err)
	}
}
