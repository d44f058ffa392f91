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

	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const (
	jobColumns  = `id, external_ref, owner, name, parallelism, status, progress, halted, created_at, updated_at`
	taskColumns = `id, job_id, task_type, status, progress, logs, article_id, params, created_at, updated_at`
)

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
	// SQLite prefers a single writer; one connection also serializes
	// the read-check-write transactions below within this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage.opened", logx.String("path", path))
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (pipeline.Job, error) {
	var (
		j                  pipeline.Job
		status             string
		halted             int
		createdMS, updated int64
	)
	if err := r.Scan(&j.ID, &j.ExternalRef, &j.Owner, &j.Name, &j.Parallelism, &status, &j.Progress, &halted, &createdMS, &updated); err != nil {
		return pipeline.Job{}, err
	}
	j.Status = pipeline.Status(status)
	j.Halted = halted != 0
	j.CreatedAt = time.UnixMilli(createdMS).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return j, nil
}

func scanTask(r rowScanner) (pipeline.Task, error) {
	var (
		t                  pipeline.Task
		tt, status, params string
		createdMS, updated int64
	)
	if err := r.Scan(&t.ID, &t.JobID, &tt, &status, &t.Progress, &t.Logs, &t.ArticleID, &params, &createdMS, &updated); err != nil {
		return pipeline.Task{}, err
	}
	t.Type = pipeline.TaskType(tt)
	t.Status = pipeline.Status(status)
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
			return pipeline.Task{}, fmt.Errorf("task %d params: %w", t.ID, err)
		}
	}
	t.CreatedAt = time.UnixMilli(createdMS).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func encodeParams(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqliteStore) CreateJob(ctx context.Context, job *pipeline.Job, tasks []pipeline.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs(external_ref, owner, name, parallelism, status, progress, halted, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		job.ExternalRef, job.Owner, job.Name, job.Parallelism, string(job.Status), job.Progress, boolInt(job.Halted),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for i := range tasks {
		params, err := encodeParams(tasks[i].Params)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(job_id, task_type, status, progress, logs, article_id, params, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			jobID, string(tasks[i].Type), string(tasks[i].Status), pipeline.ClampProgress(tasks[i].Progress),
			tasks[i].Logs, tasks[i].ArticleID, params, now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if tasks[i].ID, err = res.LastInsertId(); err != nil {
			return err
		}
		tasks[i].JobID = jobID
		tasks[i].CreatedAt, tasks[i].UpdatedAt = now, now
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	job.ID = jobID
	job.CreatedAt, job.UpdatedAt = now, now
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id int64) (pipeline.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("job %d: %w", id, pipeline.ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) GetJobByRef(ctx context.Context, ref string) (pipeline.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("job ref %q: %w", ref, pipeline.ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]pipeline.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.ExcludeHalted {
		where = append(where, "halted = 0")
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []pipeline.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) execJob(ctx context.Context, id int64, q string, args ...any) (pipeline.Job, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return pipeline.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeline.Job{}, fmt.Errorf("job %d: %w", id, pipeline.ErrNotFound)
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id int64, upd pipeline.JobUpdate) (pipeline.Job, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Parallelism != nil {
		sets = append(sets, "parallelism = ?")
		args = append(args, *upd.Parallelism)
	}
	args = append(args, id)
	return s.execJob(ctx, id, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *sqliteStore) SetJobAggregate(ctx context.Context, id int64, agg pipeline.Aggregate) (pipeline.Job, error) {
	return s.execJob(ctx, id,
		`UPDATE jobs SET status = CASE WHEN halted = 1 THEN 'cancelled' ELSE ? END, progress = ?, updated_at = ? WHERE id = ?`,
		string(agg.Status), agg.Progress, time.Now().UnixMilli(), id,
	)
}

func (s *sqliteStore) SetJobHalted(ctx context.Context, id int64, halted bool) error {
	_, err := s.execJob(ctx, id, `UPDATE jobs SET halted = ?, updated_at = ? WHERE id = ?`, boolInt(halted), time.Now().UnixMilli(), id)
	return err
}

func (s *sqliteStore) CancelJobs(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', halted = 1, updated_at = ?
		 WHERE status IN ('pending','processing','paused') AND (? = '' OR owner = ?)`,
		time.Now().UnixMilli(), owner, owner,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", id, pipeline.ErrNotFound)
	}
	return tx.Commit()
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (pipeline.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Task{}, fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	return t, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findTasks(ctx context.Context, q querier, jobID int64, statuses []pipeline.Status) ([]pipeline.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = ?`
	args := []any{jobID}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(ph, ",") + ")"
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []pipeline.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindTasks(ctx context.Context, jobID int64, statuses ...pipeline.Status) ([]pipeline.Task, error) {
	return findTasks(ctx, s.db, jobID, statuses)
}

func (s *sqliteStore) FindSibling(ctx context.Context, jobID int64, articleID string, tt pipeline.TaskType) (pipeline.Task, bool, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = ? AND article_id = ? AND task_type = ? ORDER BY id LIMIT 1`,
		jobID, articleID, string(tt)))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Task{}, false, nil
	}
	if err != nil {
		return pipeline.Task{}, false, err
	}
	return t, true, nil
}

// writeTask stores t's mutable columns only if the row is still in status prev.
func writeTask(ctx context.Context, tx *sql.Tx, t pipeline.Task, prev pipeline.Status) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, logs = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(t.Status), t.Progress, t.Logs, t.UpdatedAt.UnixMilli(), t.ID, string(prev),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) TransitionTask(ctx context.Context, id int64, tr pipeline.Transition) (pipeline.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Task{}, fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Task{}, err
	}
	if !tr.Allows(t.Status) {
		return t, fmt.Errorf("task %d is %s: %w", id, t.Status, pipeline.ErrConflict)
	}
	prev := t.Status
	tr.Apply(&t)
	t.UpdatedAt = time.Now().UTC()
	ok, err := writeTask(ctx, tx, t, prev)
	if err != nil {
		return pipeline.Task{}, err
	}
	if !ok {
		return t, fmt.Errorf("task %d: %w", id, pipeline.ErrConflict)
	}
	return t, tx.Commit()
}

func (s *sqliteStore) TransitionJobTasks(ctx context.Context, jobID int64, tr pipeline.Transition) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	tasks, err := findTasks(ctx, tx, jobID, tr.From)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, t := range tasks {
		if !tr.Allows(t.Status) {
			continue
		}
		prev := t.Status
		tr.Apply(&t)
		t.UpdatedAt = now
		ok, err := writeTask(ctx, tx, t, prev)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, tx.Commit()
}

func (s *sqliteStore) ClaimTask(ctx context.Context, id int64, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'processing', updated_at = ?
		 WHERE id = ? AND status = 'pending'
		   AND (SELECT COUNT(*) FROM tasks p WHERE p.job_id = tasks.job_id AND p.status = 'processing') < ?`,
		time.Now().UnixMilli(), id, limit,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) RequeueStale(ctx context.Context, jobID int64, cutoff time.Time, note string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending',
		   logs = CASE WHEN ? = '' THEN logs WHEN logs = '' THEN ? ELSE logs || char(10) || ? END,
		   updated_at = ?
		 WHERE job_id = ? AND status = 'processing' AND updated_at < ?`,
		note, note, note, time.Now().UnixMilli(), jobID, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) execTask(ctx context.Context, id int64, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SetTaskProgress(ctx context.Context, id int64, pct int) error {
	return s.execTask(ctx, id, `UPDATE tasks SET progress = ?, updated_at = ? WHERE id = ?`,
		pipeline.ClampProgress(pct), time.Now().UnixMilli(), id)
}

func (s *sqliteStore) AppendTaskLog(ctx context.Context, id int64, line string) error {
	line = strings.TrimRight(line, "\r\n")
	return s.execTask(ctx, id,
		`UPDATE tasks SET logs = CASE WHEN logs = '' THEN ? ELSE logs || char(10) || ? END, updated_at = ? WHERE id = ?`,
		line, line, time.Now().UnixMilli(), id)
}
