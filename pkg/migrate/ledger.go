package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LedgerFileName is the migration log kept at the pool root.
const LedgerFileName = ".migration-log.json"

// Record is one ledger entry for a single bot.
type Record struct {
	InstanceID string    `json:"instanceId"`
	UserID     string    `json:"userId"`
	PoolID     string    `json:"poolId,omitempty"`
	Port       int       `json:"port,omitempty"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

type ledgerFile struct {
	StartedAt       time.Time `json:"startedAt,omitempty"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
	MigratedBots    []Record  `json:"migratedBots"`
	FailedBots      []Record  `json:"failedBots"`
	RollbackHistory []Record  `json:"rollbackHistory"`
}

// Ledger is the durable migration log. Every mutation rewrites the whole
// file atomically, matching the state file's write-then-rename discipline.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger creates a ledger stored at {root}/.migration-log.json.
func NewLedger(root string) *Ledger {
	return &Ledger{path: filepath.Join(root, LedgerFileName)}
}

func (l *Ledger) load() (*ledgerFile, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return &ledgerFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migration log: %w", err)
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse migration log: %w", err)
	}
	return &f, nil
}

func (l *Ledger) save(f *ledgerFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write migration log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace migration log: %w", err)
	}
	return nil
}

func (l *Ledger) update(fn func(*ledgerFile)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return err
	}
	fn(f)
	return l.save(f)
}

// MarkStarted stamps the beginning of a migration run. The first run sets
// startedAt; later runs keep the original.
func (l *Ledger) MarkStarted(at time.Time) error {
	return l.update(func(f *ledgerFile) {
		if f.StartedAt.IsZero() {
			f.StartedAt = at
		}
		f.CompletedAt = time.Time{}
	})
}

// MarkCompleted stamps the end of a migration run.
func (l *Ledger) MarkCompleted(at time.Time) error {
	return l.update(func(f *ledgerFile) { f.CompletedAt = at })
}

// RecordMigrated appends a successful migration.
func (l *Ledger) RecordMigrated(rec Record) error {
	return l.update(func(f *ledgerFile) { f.MigratedBots = append(f.MigratedBots, rec) })
}

// RecordFailed appends a failed migration attempt.
func (l *Ledger) RecordFailed(rec Record) error {
	return l.update(func(f *ledgerFile) { f.FailedBots = append(f.FailedBots, rec) })
}

// RecordRollback appends a rollback and removes the bot from the migrated
// set so a later run picks it up again.
func (l *Ledger) RecordRollback(rec Record) error {
	return l.update(func(f *ledgerFile) {
		f.RollbackHistory = append(f.RollbackHistory, rec)
		kept := f.MigratedBots[:0]
		for _, m := range f.MigratedBots {
			if m.InstanceID != rec.InstanceID {
				kept = append(kept, m)
			}
		}
		f.MigratedBots = kept
	})
}

// IsMigrated reports whether a bot is recorded as successfully migrated.
func (l *Ledger) IsMigrated(instanceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return false, err
	}
	for _, m := range f.MigratedBots {
		if m.InstanceID == instanceID {
			return true, nil
		}
	}
	return false, nil
}

// MigratedRecord returns the ledger entry for a migrated bot.
func (l *Ledger) MigratedRecord(instanceID string) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return Record{}, false, err
	}
	for _, m := range f.MigratedBots {
		if m.InstanceID == instanceID {
			return m, true, nil
		}
	}
	return Record{}, false, nil
}

// Summary is the ledger's current totals, used by the status command.
type Summary struct {
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Migrated    []Record  `json:"migrated"`
	Failed      []Record  `json:"failed"`
	Rollbacks   []Record  `json:"rollbacks"`
}

// Summarize returns the ledger's totals.
func (l *Ledger) Summarize() (*Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.load()
	if err != nil {
		return nil, err
	}
	return &Summary{
		StartedAt:   f.StartedAt,
		CompletedAt: f.CompletedAt,
		Migrated:    f.MigratedBots,
		Failed:      f.FailedBots,
		Rollbacks:   f.RollbackHistory,
	}, nil
}
