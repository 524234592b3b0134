package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var ErrNotFound = errors.New("record not found")

// Store persists scans, findings and workflows in sqlite or postgres.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

var _ core.ResultStore = (*Store)(nil)

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("database")

	ctx := context.Background()
	start := time.Now()
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect", "driver", cfg.Driver, "dsn_masked", maskDSN(cfg.DSN))
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.LogDuration(ctx, "database.Connect", start, "driver", cfg.Driver)

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Driver == "sqlite3" {
		// Each sqlite connection to :memory: is its own database.
		if strings.Contains(cfg.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Database store initialized", "driver", cfg.Driver, "duration_ms", time.Since(start).Milliseconds())
	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// maskDSN hides credentials when a DSN is logged.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// DB exposes the connection for migration tooling.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type scanRow struct {
	ID           string         `db:"id"`
	Target       string         `db:"target"`
	Status       string         `db:"status"`
	Progress     float64        `db:"progress"`
	Config       sql.NullString `db:"config"`
	ErrorMessage string         `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    *time.Time     `db:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
}

func (r scanRow) record() *types.ScanRecord {
	rec := &types.ScanRecord{
		ID:           r.ID,
		Target:       r.Target,
		Status:       types.ScanStatus(r.Status),
		Progress:     r.Progress,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	if r.Config.Valid && r.Config.String != "" {
		rec.Config = json.RawMessage(r.Config.String)
	}
	return rec
}

const scanColumns = `id, target, status, progress, config, error_message, created_at, started_at, completed_at`

// SaveScan inserts the scan or updates its mutable columns.
func (s *Store) SaveScan(ctx context.Context, scan *types.ScanRecord) error {
	start := time.Now()
	query := `
		INSERT INTO scans (` + scanColumns + `) VALUES (
			:id, :target, :status, :progress, :config, :error_message,
			:created_at, :started_at, :completed_at
		)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			config = excluded.config,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	args := map[string]interface{}{
		"id":            scan.ID,
		"target":        scan.Target,
		"status":        string(scan.Status),
		"progress":      scan.Progress,
		"config":        nullJSON(scan.Config),
		"error_message": scan.ErrorMessage,
		"created_at":    scan.CreatedAt.UTC(),
		"started_at":    utcPtr(scan.StartedAt),
		"completed_at":  utcPtr(scan.CompletedAt),
	}
	result, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		s.logger.LogError(ctx, err, "database.SaveScan", "scan_id", scan.ID)
		return fmt.Errorf("failed to save scan %s: %w", scan.ID, err)
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "UPSERT", "scans", rows, time.Since(start), "scan_id", scan.ID, "status", scan.Status)
	return nil
}

func (s *Store) GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	var row scanRow
	query := s.db.Rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, scanID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: scan %s", ErrNotFound, scanID)
		}
		return nil, err
	}
	return row.record(), nil
}

func (s *Store) ListScans(ctx context.Context, filter core.ScanFilter) ([]*types.ScanRecord, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE 1=1`
	var args []interface{}
	if filter.Target != "" {
		query += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)

	var rows []scanRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*types.ScanRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

type findingRow struct {
	ID          string         `db:"id"`
	ScanID      string         `db:"scan_id"`
	Module      string         `db:"module"`
	Adapter     string         `db:"adapter"`
	TaskID      string         `db:"task_id"`
	Category    string         `db:"category"`
	Severity    string         `db:"severity"`
	Confidence  string         `db:"confidence"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Location    string         `db:"location"`
	Parameter   string         `db:"parameter"`
	Evidence    string         `db:"evidence"`
	Remediation string         `db:"remediation"`
	Refs        sql.NullString `db:"refs"`
	CWEID       int            `db:"cwe_id"`
	CVSSScore   float64        `db:"cvss_score"`
	Request     sql.NullString `db:"request"`
	Response    sql.NullString `db:"response"`
	Metadata    sql.NullString `db:"metadata"`
	Fingerprint string         `db:"fingerprint"`
	Timestamp   time.Time      `db:"timestamp"`
}

const findingColumns = `id, scan_id, module, adapter, task_id, category, severity, confidence,
	title, description, location, parameter, evidence, remediation, refs, cwe_id,
	cvss_score, request, response, metadata, fingerprint, timestamp`

func newFindingRow(f types.Finding) (findingRow, error) {
	row := findingRow{
		ID:          f.ID,
		ScanID:      f.ScanID,
		Module:      f.Module,
		Adapter:     f.Adapter,
		TaskID:      f.TaskID,
		Category:    f.Category,
		Severity:    string(f.Severity),
		Confidence:  string(f.Confidence),
		Title:       f.Title,
		Description: f.Description,
		Location:    f.Location,
		Parameter:   f.Parameter,
		Evidence:    f.Evidence,
		Remediation: f.Remediation,
		CWEID:       f.CWEID,
		CVSSScore:   f.CVSSScore,
		Fingerprint: strconv.FormatUint(f.Fingerprint(), 16),
		Timestamp:   f.Timestamp.UTC(),
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	var err error
	if row.Refs, err = marshalNull(f.References, len(f.References) > 0); err != nil {
		return row, fmt.Errorf("failed to marshal references for finding %s: %w", f.ID, err)
	}
	if row.Request, err = marshalNull(f.Request, f.Request != nil); err != nil {
		return row, fmt.Errorf("failed to marshal request for finding %s: %w", f.ID, err)
	}
	if row.Response, err = marshalNull(f.Response, f.Response != nil); err != nil {
		return row, fmt.Errorf("failed to marshal response for finding %s: %w", f.ID, err)
	}
	if row.Metadata, err = marshalNull(f.Metadata, len(f.Metadata) > 0); err != nil {
		return row, fmt.Errorf("failed to marshal metadata for finding %s: %w", f.ID, err)
	}
	return row, nil
}

func (r findingRow) finding() (types.Finding, error) {
	f := types.Finding{
		ID:          r.ID,
		ScanID:      r.ScanID,
		Module:      r.Module,
		Adapter:     r.Adapter,
		TaskID:      r.TaskID,
		Category:    r.Category,
		Severity:    types.Severity(r.Severity),
		Confidence:  types.Confidence(r.Confidence),
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		Parameter:   r.Parameter,
		Evidence:    r.Evidence,
		Remediation: r.Remediation,
		CWEID:       r.CWEID,
		CVSSScore:   r.CVSSScore,
		Timestamp:   r.Timestamp,
	}
	if err := unmarshalNull(r.Refs, &f.References); err != nil {
		return f, fmt.Errorf("finding %s references: %w", r.ID, err)
	}
	if err := unmarshalNull(r.Request, &f.Request); err != nil {
		return f, fmt.Errorf("finding %s request: %w", r.ID, err)
	}
	if err := unmarshalNull(r.Response, &f.Response); err != nil {
		return f, fmt.Errorf("finding %s response: %w", r.ID, err)
	}
	if err := unmarshalNull(r.Metadata, &f.Metadata); err != nil {
		return f, fmt.Errorf("finding %s metadata: %w", r.ID, err)
	}
	return f, nil
}

// SaveFindings writes all findings in one transaction. Saving a finding
// id again replaces the stored row.
func (s *Store) SaveFindings(ctx context.Context, findings []types.Finding) (err error) {
	if len(findings) == 0 {
		return nil
	}
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.SaveFindings", "findings_count", len(findings))
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SaveFindings", start, err)
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO findings (` + findingColumns + `) VALUES (
			:id, :scan_id, :module, :adapter, :task_id, :category, :severity, :confidence,
			:title, :description, :location, :parameter, :evidence, :remediation, :refs, :cwe_id,
			:cvss_score, :request, :response, :metadata, :fingerprint, :timestamp
		)
		ON CONFLICT (id) DO UPDATE SET
			severity = excluded.severity,
			confidence = excluded.confidence,
			title = excluded.title,
			description = excluded.description,
			evidence = excluded.evidence,
			remediation = excluded.remediation,
			refs = excluded.refs,
			metadata = excluded.metadata,
			timestamp = excluded.timestamp
	`
	severities := make(map[types.Severity]int)
	for _, f := range findings {
		row, err := newFindingRow(f)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			s.logger.LogError(ctx, err, "database.SaveFindings.insert", "finding_id", f.ID, "scan_id", f.ScanID)
			return fmt.Errorf("failed to insert finding %s: %w", f.ID, err)
		}
		severities[f.Severity]++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Infow("Findings saved",
		"scan_id", findings[0].ScanID,
		"findings_count", len(findings),
		"severity_counts", severities,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Store) GetFindings(ctx context.Context, scanID string) ([]types.Finding, error) {
	return s.QueryFindings(ctx, core.FindingQuery{ScanID: scanID})
}

// QueryFindings returns matching findings, newest first.
func (s *Store) QueryFindings(ctx context.Context, q core.FindingQuery) ([]types.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE 1=1`
	var args []interface{}
	if q.ScanID != "" {
		query += " AND scan_id = ?"
		args = append(args, q.ScanID)
	}
	if q.Module != "" {
		query += " AND module = ?"
		args = append(args, q.Module)
	}
	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, q.Category)
	}
	if q.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(types.ParseSeverity(q.Severity)))
	}
	if q.FromDate != nil {
		query += " AND timestamp >= ?"
		args = append(args, q.FromDate.UTC())
	}
	if q.ToDate != nil {
		query += " AND timestamp <= ?"
		args = append(args, q.ToDate.UTC())
	}
	query += " ORDER BY timestamp DESC, id"
	query += limitClause(q.Limit, q.Offset)

	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]types.Finding, 0, len(rows))
	for _, r := range rows {
		f, err := r.finding()
		if err != nil {
			s.logger.Warnw("Skipping undecodable finding", "finding_id", r.ID, "error", err)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) SaveWorkflow(ctx context.Context, wf *types.WorkflowRecord) error {
	query := `
		INSERT INTO workflows (id, name, target, status, document, updated_at)
		VALUES (:id, :name, :target, :status, :document, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	updated := wf.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	args := map[string]interface{}{
		"id":         wf.ID,
		"name":       wf.Name,
		"target":     wf.Target,
		"status":     string(wf.Status),
		"document":   string(wf.Document),
		"updated_at": updated.UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx, query, args); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*types.WorkflowRecord, error) {
	var row struct {
		ID        string    `db:"id"`
		Name      string    `db:"name"`
		Target    string    `db:"target"`
		Status    string    `db:"status"`
		Document  string    `db:"document"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	query := s.db.Rebind(`SELECT id, name, target, status, document, updated_at FROM workflows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
		}
		return nil, err
	}
	return &types.WorkflowRecord{
		ID:        row.ID,
		Name:      row.Name,
		Target:    row.Target,
		Status:    types.WorkflowStatus(row.Status),
		Document:  json.RawMessage(row.Document),
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func limitClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", offset)
		}
	}
	return b.String()
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalNull(v interface{}, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNull(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
