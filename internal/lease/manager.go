package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opsloom/agentctl/internal/events"
	"github.com/opsloom/agentctl/internal/events/bus"
	"github.com/opsloom/agentctl/internal/platform/apierr"
	"github.com/opsloom/agentctl/internal/platform/appctx"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// pollInterval is how often a blocking Acquire retries against a
// conflicting lease, per spec §4.12.
const pollInterval = 100 * time.Millisecond

// Manager owns the lease store's connection and implements acquire, renew,
// release, and the expiry sweep.
type Manager struct {
	db              *sqlx.DB
	log             *logger.Logger
	bus             bus.EventBus
	cleanupInterval time.Duration
	stopCh          chan struct{}
}

// Open opens (or creates) the lease database at dbPath and returns a ready
// Manager. Call Run to start the background expiry sweep. eventBus may be
// nil, in which case lease transitions are not republished.
func Open(dbPath string, cleanupInterval time.Duration, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	db, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:              db,
		log:             log.WithFields(zap.String("component", "lease-manager")),
		bus:             eventBus,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}, nil
}

const eventSource = "lease-manager"

func (m *Manager) publish(kind string, leaseID, filePath, agentID string) {
	events.Publish(context.Background(), m.bus, eventSource, events.DomainEvent{
		Kind:     kind,
		AgentID:  agentID,
		LeaseID:  leaseID,
		FilePath: filePath,
	}, m.log)
}

// Close releases the underlying database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Run blocks, sweeping expired leases every cleanupInterval, until Stop is
// called. Intended to be launched in its own goroutine.
func (m *Manager) Run() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			sweepCtx, cancel := appctx.Detached(context.Background(), m.stopCh, m.cleanupInterval)
			n, err := m.CleanupExpired(sweepCtx)
			cancel()
			if err != nil {
				m.log.Warn("lease cleanup sweep failed", zap.Error(err))
			} else if n > 0 {
				m.log.Debug("expired leases swept", zap.Int("count", n))
			}
		}
	}
}

// Stop halts the background sweep goroutine.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

// Acquire attempts to take the lease on req.FilePath for req.AgentID. If a
// live lease (Pending or Active) is already held by a different agent,
// Acquire either fails immediately (non-blocking) or polls every 100ms
// until req.Timeout elapses (blocking), per spec §4.12.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if req.TTL <= 0 {
		return AcquireResult{}, fmt.Errorf("%w: ttl must be positive", apierr.ErrInvalidRequest)
	}

	start := time.Now()
	deadline := start.Add(req.Timeout)

	for {
		lease, err := m.tryAcquire(req)
		if err == nil {
			return AcquireResult{Lease: lease, WaitTimeMS: time.Since(start).Milliseconds()}, nil
		}
		if !errors.Is(err, apierr.ErrConflict) {
			return AcquireResult{}, err
		}
		if !req.Blocking {
			return AcquireResult{}, err
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return AcquireResult{}, fmt.Errorf("%w: lease on %q still held after %s", apierr.ErrTimeout, req.FilePath, req.Timeout)
		}

		select {
		case <-ctx.Done():
			return AcquireResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire performs one atomic check-and-insert attempt within a single
// transaction, so concurrent acquires for the same file_path serialize on
// SQLite's single writer connection rather than racing in application code.
func (m *Manager) tryAcquire(req AcquireRequest) (Lease, error) {
	tx, err := m.db.Beginx()
	if err != nil {
		return Lease{}, fmt.Errorf("%w: begin acquire tx: %s", apierr.ErrInternal, err)
	}
	defer tx.Rollback()

	var existing leaseRow
	err = tx.Get(&existing, `
		SELECT * FROM leases
		WHERE file_path = ? AND status IN ('pending', 'active')
		LIMIT 1
	`, req.FilePath)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("%w: query existing lease: %s", apierr.ErrInternal, err)
	}
	if err == nil && existing.AgentID != req.AgentID {
		return Lease{}, fmt.Errorf("%w: lease on %q held by agent %s", apierr.ErrConflict, req.FilePath, existing.AgentID)
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	lease := Lease{
		ID:           id,
		FilePath:     req.FilePath,
		AgentID:      req.AgentID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(req.TTL),
		TTL:          req.TTL,
		Status:       StatusActive,
		RenewalCount: 0,
		MaxRenewals:  req.MaxRenewals,
	}

	if _, err := tx.Exec(`
		INSERT INTO leases (id, file_path, agent_id, created_at, expires_at, ttl_ms, status, renewal_count, max_renewals)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, lease.ID, lease.FilePath, lease.AgentID, lease.CreatedAt, lease.ExpiresAt, lease.TTL.Milliseconds(), string(StatusActive), lease.MaxRenewals); err != nil {
		return Lease{}, fmt.Errorf("%w: insert lease: %s", apierr.ErrInternal, err)
	}

	if err := appendHistory(tx, lease.ID, EventAcquired, ""); err != nil {
		return Lease{}, err
	}

	if err := tx.Commit(); err != nil {
		return Lease{}, fmt.Errorf("%w: commit acquire tx: %s", apierr.ErrInternal, err)
	}
	m.publish(events.LeaseAcquired, lease.ID, lease.FilePath, lease.AgentID)
	return lease, nil
}

// Renew extends an Active lease's expiry, bumping renewal_count, unless
// max_renewals has been reached or ownership does not match.
func (m *Manager) Renew(ctx context.Context, leaseID, agentID string, newTTL time.Duration) (Lease, error) {
	tx, err := m.db.Beginx()
	if err != nil {
		return Lease{}, fmt.Errorf("%w: begin renew tx: %s", apierr.ErrInternal, err)
	}
	defer tx.Rollback()

	row, err := getForUpdate(tx, leaseID)
	if err != nil {
		return Lease{}, err
	}
	if row.AgentID != agentID {
		return Lease{}, fmt.Errorf("%w: lease %s not owned by agent %s", apierr.ErrNotOwner, leaseID, agentID)
	}
	if row.MaxRenewals >= 0 && row.RenewalCount >= row.MaxRenewals {
		return Lease{}, fmt.Errorf("%w: lease %s at max_renewals=%d", apierr.ErrTooManyRenewals, leaseID, row.MaxRenewals)
	}

	ttl := time.Duration(row.TTLMS) * time.Millisecond
	if newTTL > 0 {
		ttl = newTTL
	}
	now := time.Now().UTC()
	row.RenewalCount++
	row.ExpiresAt = now.Add(ttl)
	row.TTLMS = ttl.Milliseconds()
	row.Status = string(StatusActive)

	if _, err := tx.Exec(`
		UPDATE leases SET renewal_count = ?, expires_at = ?, ttl_ms = ?, status = ? WHERE id = ?
	`, row.RenewalCount, row.ExpiresAt, row.TTLMS, row.Status, row.ID); err != nil {
		return Lease{}, fmt.Errorf("%w: update lease: %s", apierr.ErrInternal, err)
	}
	if err := appendHistory(tx, row.ID, EventRenewed, ""); err != nil {
		return Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, fmt.Errorf("%w: commit renew tx: %s", apierr.ErrInternal, err)
	}
	m.publish(events.LeaseRenewed, row.ID, row.FilePath, row.AgentID)
	return row.toLease(), nil
}

// Release marks a lease Released. A lease already Released is a no-op
// returning success, per spec §4.12.
func (m *Manager) Release(ctx context.Context, leaseID, agentID string) error {
	tx, err := m.db.Beginx()
	if err != nil {
		return fmt.Errorf("%w: begin release tx: %s", apierr.ErrInternal, err)
	}
	defer tx.Rollback()

	row, err := getForUpdate(tx, leaseID)
	if err != nil {
		return err
	}
	if Status(row.Status) == StatusReleased {
		return tx.Commit()
	}
	if row.AgentID != agentID {
		return fmt.Errorf("%w: lease %s not owned by agent %s", apierr.ErrNotOwner, leaseID, agentID)
	}

	if _, err := tx.Exec(`UPDATE leases SET status = ? WHERE id = ?`, string(StatusReleased), row.ID); err != nil {
		return fmt.Errorf("%w: update lease: %s", apierr.ErrInternal, err)
	}
	if err := appendHistory(tx, row.ID, EventReleased, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit release tx: %s", apierr.ErrInternal, err)
	}
	m.publish(events.LeaseReleased, row.ID, row.FilePath, row.AgentID)
	return nil
}

// CleanupExpired flips every Active lease whose expires_at has passed to
// Expired, appending a history row for each. Safe to run concurrently with
// Acquire: all transitions commit in one transaction, which serializes with
// Acquire's on the single writer connection. Cancelling ctx rolls it back.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin cleanup tx: %s", apierr.ErrInternal, err)
	}
	defer tx.Rollback()

	var expiring []leaseRow
	if err := tx.Select(&expiring, `SELECT * FROM leases WHERE status = ? AND expires_at <= ?`, string(StatusActive), time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("%w: query expired leases: %s", apierr.ErrInternal, err)
	}
	if len(expiring) == 0 {
		return 0, tx.Commit()
	}

	for _, row := range expiring {
		if _, err := tx.Exec(`UPDATE leases SET status = ? WHERE id = ?`, string(StatusExpired), row.ID); err != nil {
			return 0, fmt.Errorf("%w: expire lease %s: %s", apierr.ErrInternal, row.ID, err)
		}
		if err := appendHistory(tx, row.ID, EventExpired, "TTL exceeded"); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit cleanup tx: %s", apierr.ErrInternal, err)
	}
	for _, row := range expiring {
		m.publish(events.LeaseExpired, row.ID, row.FilePath, row.AgentID)
	}
	return len(expiring), nil
}

// configRow mirrors the lease_configs table.
type configRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// ExportConfig renders every policy override held in lease_configs (e.g.
// a per-path default_ttl_secs or max_renewals) as YAML, for operators
// inspecting or diffing the lease policy outside the database.
func (m *Manager) ExportConfig(ctx context.Context) ([]byte, error) {
	var rows []configRow
	if err := m.db.SelectContext(ctx, &rows, `SELECT key, value FROM lease_configs ORDER BY key`); err != nil {
		return nil, fmt.Errorf("%w: export lease config: %s", apierr.ErrInternal, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return yaml.Marshal(out)
}

// ImportConfig replaces lease_configs with the key/value policy overrides
// decoded from data, one transaction, so a bad document never leaves the
// table half-written.
func (m *Manager) ImportConfig(ctx context.Context, data []byte) error {
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("%w: decode lease config yaml: %s", apierr.ErrInvalidRequest, err)
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return fmt.Errorf("%w: begin import tx: %s", apierr.ErrInternal, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lease_configs`); err != nil {
		return fmt.Errorf("%w: clear lease configs: %s", apierr.ErrInternal, err)
	}
	for key, value := range overrides {
		if _, err := tx.ExecContext(ctx, `INSERT INTO lease_configs (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("%w: write lease config %q: %s", apierr.ErrInternal, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit import tx: %s", apierr.ErrInternal, err)
	}
	return nil
}

// Get returns a lease by id.
func (m *Manager) Get(ctx context.Context, leaseID string) (Lease, error) {
	var row leaseRow
	err := m.db.Get(&row, `SELECT * FROM leases WHERE id = ?`, leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("%w: lease %s", apierr.ErrNotFound, leaseID)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("%w: get lease: %s", apierr.ErrInternal, err)
	}
	return row.toLease(), nil
}

func getForUpdate(tx *sqlx.Tx, leaseID string) (leaseRow, error) {
	var row leaseRow
	err := tx.Get(&row, `SELECT * FROM leases WHERE id = ?`, leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return leaseRow{}, fmt.Errorf("%w: lease %s", apierr.ErrNotFound, leaseID)
	}
	if err != nil {
		return leaseRow{}, fmt.Errorf("%w: load lease: %s", apierr.ErrInternal, err)
	}
	return row, nil
}

func appendHistory(tx *sqlx.Tx, leaseID string, event HistoryEvent, reason string) error {
	if _, err := tx.Exec(`
		INSERT INTO lease_history (lease_id, event_type, reason, occurred_at)
		VALUES (?, ?, ?, ?)
	`, leaseID, string(event), reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: append lease history: %s", apierr.ErrInternal, err)
	}
	return nil
}
