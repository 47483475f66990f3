package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"groupcast/internal/model"
	logx "groupcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t model.Task) error {
	accounts, _ := json.Marshal(t.AccountIDs)
	targets, _ := json.Marshal(t.TargetIDs)
	config, _ := json.Marshal(t.Config)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, type, title, accounts, targets, config, status, priority, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Type), t.Title, string(accounts), string(targets), string(config),
		string(t.Status), t.Priority, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) scanTask(row interface{ Scan(...any) error }) (model.Task, error) {
	var (
		t                          model.Task
		typ, status                string
		accounts, targets, config  string
		createdAt, updatedAt       string
	)
	err := row.Scan(&t.ID, &typ, &t.Title, &accounts, &targets, &config, &status, &t.Priority, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	t.Type = model.TaskType(typ)
	t.Status = model.TaskStatus(status)
	_ = json.Unmarshal([]byte(accounts), &t.AccountIDs)
	_ = json.Unmarshal([]byte(targets), &t.TargetIDs)
	_ = json.Unmarshal([]byte(config), &t.Config)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

const taskCols = `id, type, title, accounts, targets, config, status, priority, created_at, updated_at`

func (s *sqliteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	return s.scanTask(row)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t model.Task) error {
	accounts, _ := json.Marshal(t.AccountIDs)
	targets, _ := json.Marshal(t.TargetIDs)
	config, _ := json.Marshal(t.Config)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET type=?, title=?, accounts=?, targets=?, config=?, status=?, priority=?, updated_at=?
		 WHERE id=?`,
		string(t.Type), t.Title, string(accounts), string(targets), string(config),
		string(t.Status), t.Priority, fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
		string(status), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) SaveDispatchState(ctx context.Context, id string, st model.DispatchState) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	t.Config.Dispatch = st
	config, _ := json.Marshal(t.Config)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET config=? WHERE id=?`, string(config), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- accounts ----

func (s *sqliteStore) PutAccount(ctx context.Context, a model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, phone, username, pool_status, health_score, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET phone=excluded.phone, username=excluded.username,
		   pool_status=excluded.pool_status, health_score=excluded.health_score,
		   last_error=excluded.last_error, updated_at=excluded.updated_at`,
		a.ID, a.Phone, a.Username, string(a.PoolStatus), a.HealthScore, a.LastError,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) scanAccount(row interface{ Scan(...any) error }) (model.Account, error) {
	var (
		a                    model.Account
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Phone, &a.Username, &status, &a.HealthScore, &a.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	if err != nil {
		return model.Account{}, err
	}
	a.PoolStatus = model.PoolStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

const accountCols = `id, phone, username, pool_status, health_score, last_error, created_at, updated_at`

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	return s.scanAccount(row)
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) SetAccountPoolStatus(ctx context.Context, id string, status model.PoolStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET pool_status=?, last_error=?, updated_at=? WHERE id=?`,
		string(status), lastError, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) SetAccountHealth(ctx context.Context, id string, score int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET health_score=?, updated_at=? WHERE id=?`,
		score, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- targets ----

func (s *sqliteStore) PutTarget(ctx context.Context, t model.Target) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(id, kind, title, platform_id, invite_link, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, title=excluded.title,
		   platform_id=excluded.platform_id, invite_link=excluded.invite_link, updated_at=excluded.updated_at`,
		t.ID, string(t.Kind), t.Title, t.PlatformID, t.InviteLink, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) scanTarget(row interface{ Scan(...any) error }) (model.Target, error) {
	var (
		t                    model.Target
		kind                 string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &kind, &t.Title, &t.PlatformID, &t.InviteLink, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, ErrNotFound
	}
	if err != nil {
		return model.Target{}, err
	}
	t.Kind = model.TargetKind(kind)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

const targetCols = `id, kind, title, platform_id, invite_link, created_at, updated_at`

func (s *sqliteStore) GetTarget(ctx context.Context, id string) (model.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id=?`, id)
	return s.scanTarget(row)
}

func (s *sqliteStore) FindTargetByPlatformID(ctx context.Context, platformID string) (model.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE platform_id=? LIMIT 1`, platformID)
	return s.scanTarget(row)
}

func (s *sqliteStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetCols+` FROM targets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Target
	for rows.Next() {
		t, err := s.scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTarget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- templates ----

func (s *sqliteStore) PutTemplate(ctx context.Context, t model.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, body, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, body=excluded.body, updated_at=excluded.updated_at`,
		t.ID, t.Name, t.Text, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	var (
		t                    model.Template
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, body, created_at, updated_at FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Text, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, ErrNotFound
	}
	if err != nil {
		return model.Template{}, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, body, created_at, updated_at FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Template
	for rows.Next() {
		var (
			t                    model.Template
			createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Text, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- rate records / flood waits ----

func (s *sqliteStore) AppendRateRecord(ctx context.Context, accountID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rate_records(account_id, sent_at) VALUES(?,?)`,
		accountID, sentAt.UnixMilli())
	return err
}

func (s *sqliteStore) CountRateRecords(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_records WHERE account_id=? AND sent_at > ?`,
		accountID, since.UnixMilli()).Scan(&n)
	return n, err
}

func (s *sqliteStore) OldestRateRecordSince(ctx context.Context, accountID string, since time.Time) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(sent_at) FROM rate_records WHERE account_id=? AND sent_at > ?`,
		accountID, since.UnixMilli()).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) RemoveRateRecord(ctx context.Context, accountID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_records WHERE id = (
		    SELECT id FROM rate_records WHERE account_id=? AND sent_at=? LIMIT 1)`,
		accountID, sentAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeleteRateRecords(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_records WHERE account_id=?`, accountID)
	return err
}

func (s *sqliteStore) PruneRateRecords(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_records WHERE sent_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutFloodWait(ctx context.Context, accountID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flood_waits(account_id, wait_until) VALUES(?,?)
		 ON CONFLICT(account_id) DO UPDATE SET wait_until=excluded.wait_until`,
		accountID, until.UnixMilli())
	return err
}

func (s *sqliteStore) GetFloodWait(ctx context.Context, accountID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT wait_until FROM flood_waits WHERE account_id=?`, accountID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) DeleteFloodWait(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flood_waits WHERE account_id=?`, accountID)
	return err
}

func (s *sqliteStore) PruneFloodWaits(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flood_waits WHERE wait_until < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- delivery history ----

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, task_id, account_id, target_id, status, message_id, error, attempt, preview, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, rec.AccountID, rec.TargetID, string(rec.Status),
		rec.MessageID, rec.Error, rec.Attempt, rec.Preview, rec.SentAt.UnixMilli(),
	)
	return err
}

func deliveryWhere(f DeliveryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.TaskID != "" {
		conds = append(conds, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.AccountID != "" {
		conds = append(conds, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.TargetID != "" {
		conds = append(conds, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "sent_at > ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error) {
	where, args := deliveryWhere(f)
	q := `SELECT id, task_id, account_id, target_id, status, message_id, error, attempt, preview, sent_at
	      FROM deliveries` + where + ` ORDER BY sent_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeliveryRecord
	for rows.Next() {
		var (
			rec    model.DeliveryRecord
			status string
			ms     int64
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.AccountID, &rec.TargetID, &status,
			&rec.MessageID, &rec.Error, &rec.Attempt, &rec.Preview, &ms); err != nil {
			return nil, err
		}
		rec.Status = model.DeliveryStatus(status)
		rec.SentAt = time.UnixMilli(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountDeliveries(ctx context.Context, f DeliveryFilter) (int, error) {
	where, args := deliveryWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deliveries`+where, args...).Scan(&n)
	return n, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
