package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/bizportal/flowd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowd.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which keeps checkpoint and
	// event sequences ordered without BEGIN IMMEDIATE.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) InsertDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, name, module, trigger_type, active, body, created_by, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, def.Module, string(def.Trigger.Type), boolInt(def.Active),
		string(body), nullStr(def.CreatedBy), timeOrNow(def.PublishedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %s@v%d already published", def.ID, def.Version)
	}
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var body string
	var err error
	if version <= 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT body FROM definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
		).Scan(&body)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT body FROM definitions WHERE id = ? AND version = ?`, id, version,
		).Scan(&body)
	}
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", refLabel(id, version))
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(body)
}

func (s *LibSQLStore) LatestDefinitionVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = ?`, id,
	).Scan(&v)
	return v, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT body FROM definitions d WHERE 1=1`
	var args []any

	if filter.ID != "" {
		query += ` AND d.id = ?`
		args = append(args, filter.ID)
	}
	if filter.Module != "" {
		query += ` AND d.module = ?`
		args = append(args, filter.Module)
	}
	if filter.TriggerType != "" {
		query += ` AND d.trigger_type = ?`
		args = append(args, string(filter.TriggerType))
	}
	if filter.LatestOnly {
		query += ` AND d.version = (SELECT MAX(version) FROM definitions d2 WHERE d2.id = d.id)`
	}
	query += ` ORDER BY d.id, d.version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(body)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func decodeDefinition(body string) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

// --- Instances ---

// Commit applies a checkpoint atomically. Updates are guarded by the expected
// checkpoint sequence so that checkpoint N+1 can never overwrite a newer one.
func (s *LibSQLStore) Commit(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.Instance == nil {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint without instance")
	}
	inst := cp.Instance
	enc, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	next := cp.Expected + 1
	now := time.Now().UTC()

	if cp.Create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO instances (id, definition_id, definition_version, status, cursors, data, attempts, created_by, trigger_type, assigned_to, error, checkpoint, started_at, updated_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.DefinitionID, inst.DefinitionVersion, string(inst.Status),
			enc.cursors, enc.data, enc.attempts, nullStr(inst.CreatedBy), nullStr(string(inst.TriggerType)),
			nullStr(inst.AssignedTo), enc.err, next, timeOrNow(inst.StartedAt), now, nullTime(inst.CompletedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
			}
			return fmt.Errorf("insert instance: %w", err)
		}
		if err := insertRecords(ctx, tx, cp.Records); err != nil {
			return err
		}
	} else {
		if err := insertRecords(ctx, tx, cp.Records); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, cursors = ?, data = ?, attempts = ?, assigned_to = ?, error = ?,
			 checkpoint = ?, updated_at = ?, completed_at = ?
			 WHERE id = ? AND checkpoint = ?`,
			string(inst.Status), enc.cursors, enc.data, enc.attempts, nullStr(inst.AssignedTo), enc.err,
			next, now, nullTime(inst.CompletedAt), inst.ID, cp.Expected,
		)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			_ = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE id = ?`, inst.ID).Scan(&exists)
			if exists == 0 {
				return storeNotFound("instance", inst.ID)
			}
			return schema.NewErrorf(schema.ErrCodeConflict,
				"instance %q moved past checkpoint %d", inst.ID, cp.Expected)
		}
	}

	if err := appendEventsTx(ctx, tx, inst.ID, cp.Events, now); err != nil {
		return err
	}
	if cp.DropWaits {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_waits WHERE instance_id = ?`, inst.ID); err != nil {
			return fmt.Errorf("drop pending waits: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}

	inst.Checkpoint = next
	inst.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	if filter.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, filter.CreatedBy)
	}
	if filter.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const instanceColumns = `id, definition_id, definition_version, status, cursors, data, attempts, created_by,
	trigger_type, assigned_to, error, checkpoint, started_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var (
		status, cursors, data, attempts     string
		createdBy, triggerType, assignedTo  sql.NullString
		errJSON                             sql.NullString
		completedAt                         sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &status, &cursors, &data, &attempts,
		&createdBy, &triggerType, &assignedTo, &errJSON, &inst.Checkpoint, &inst.StartedAt, &inst.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.CreatedBy = createdBy.String
	inst.TriggerType = schema.TriggerType(triggerType.String)
	inst.AssignedTo = assignedTo.String
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(cursors), &inst.Cursors); err != nil {
		return nil, fmt.Errorf("unmarshal cursors: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &inst.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &inst.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if raw := rawOrNil(errJSON); raw != nil {
		inst.Error = &schema.FlowError{}
		if err := json.Unmarshal(raw, inst.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return inst, nil
}

type encodedInstance struct {
	cursors, data, attempts string
	err                     any
}

func encodeInstance(inst *schema.WorkflowInstance) (encodedInstance, error) {
	var enc encodedInstance
	cursors := inst.Cursors
	if cursors == nil {
		cursors = []schema.Cursor{}
	}
	b, err := json.Marshal(cursors)
	if err != nil {
		return enc, fmt.Errorf("marshal cursors: %w", err)
	}
	enc.cursors = string(b)

	data, err := marshalMapOrDefault(inst.Data)
	if err != nil {
		return enc, fmt.Errorf("marshal data: %w", err)
	}
	enc.data = string(data)

	attempts := inst.Attempts
	if attempts == nil {
		attempts = map[string]int{}
	}
	if b, err = json.Marshal(attempts); err != nil {
		return enc, fmt.Errorf("marshal attempts: %w", err)
	}
	enc.attempts = string(b)

	if inst.Error != nil {
		b, err := json.Marshal(inst.Error)
		if err != nil {
			return enc, fmt.Errorf("marshal error: %w", err)
		}
		enc.err = string(b)
	}
	return enc, nil
}

// --- Step execution records ---

func insertRecords(ctx context.Context, tx *sql.Tx, recs []*schema.StepExecutionRecord) error {
	for _, r := range recs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_execution_records (instance_id, step_id, attempt, outcome, error, error_code, retryable, note, output, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.InstanceID, r.StepID, r.Attempt, string(r.Outcome), nullStr(r.Error), nullStr(r.ErrorCode),
			boolInt(r.Retryable), nullStr(r.Note), nullRaw(r.Output), timeOrNow(r.StartedAt), timeOrNow(r.FinishedAt),
		)
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"step record %s/%s#%d already exists", r.InstanceID, r.StepID, r.Attempt)
		}
		if err != nil {
			return fmt.Errorf("insert step record: %w", err)
		}
	}
	return nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, instanceID, stepID string) ([]*schema.StepExecutionRecord, error) {
	query := `SELECT instance_id, step_id, attempt, outcome, error, error_code, retryable, note, output, started_at, finished_at
		FROM step_execution_records WHERE instance_id = ?`
	args := []any{instanceID}
	if stepID != "" {
		query += ` AND step_id = ?`
		args = append(args, stepID)
	}
	query += ` ORDER BY step_id, attempt`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.StepExecutionRecord
	for rows.Next() {
		r := &schema.StepExecutionRecord{}
		var (
			outcome                   string
			errMsg, errCode, note     sql.NullString
			output                    sql.NullString
			retryable                 int
		)
		if err := rows.Scan(&r.InstanceID, &r.StepID, &r.Attempt, &outcome, &errMsg, &errCode, &retryable,
			&note, &output, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Outcome = schema.Outcome(outcome)
		r.Error = errMsg.String
		r.ErrorCode = errCode.String
		r.Retryable = retryable != 0
		r.Note = note.String
		r.Output = rawOrNil(output)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Pending waits ---

func (s *LibSQLStore) CreateWait(ctx context.Context, w *schema.PendingWait) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_waits (instance_id, step_id, kind, due_at, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		w.InstanceID, w.StepID, string(w.Kind), w.DueAt.UTC(), nullRaw(w.Payload), timeOrNow(w.CreatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "wait %s/%s already exists", w.InstanceID, w.StepID)
	}
	return err
}

func (s *LibSQLStore) GetWait(ctx context.Context, instanceID, stepID string) (*schema.PendingWait, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, step_id, kind, due_at, payload, created_at FROM pending_waits WHERE instance_id = ? AND step_id = ?`,
		instanceID, stepID)
	w, err := scanWait(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("wait", instanceID+"/"+stepID)
	}
	return w, err
}

func (s *LibSQLStore) DeleteWait(ctx context.Context, instanceID, stepID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_waits WHERE instance_id = ? AND step_id = ?`, instanceID, stepID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "wait", instanceID+"/"+stepID)
}

func (s *LibSQLStore) ListWaits(ctx context.Context, filter WaitFilter) ([]*schema.PendingWait, error) {
	query := `SELECT instance_id, step_id, kind, due_at, payload, created_at FROM pending_waits WHERE 1=1`
	var args []any
	if filter.InstanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PendingWait
	for rows.Next() {
		w, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		if filter.DueBefore != nil && w.DueAt.After(*filter.DueBefore) {
			continue
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortAndLimitWaits(out, filter.Limit), nil
}

func scanWait(row rowScanner) (*schema.PendingWait, error) {
	w := &schema.PendingWait{}
	var kind string
	var payload sql.NullString
	if err := row.Scan(&w.InstanceID, &w.StepID, &kind, &w.DueAt, &payload, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Kind = schema.WaitKind(kind)
	w.Payload = rawOrNil(payload)
	return w, nil
}

func sortAndLimitWaits(ws []*schema.PendingWait, limit int) []*schema.PendingWait {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].DueAt.Equal(ws[j].DueAt) {
			return ws[i].DueAt.Before(ws[j].DueAt)
		}
		return ws[i].InstanceID+ws[i].StepID < ws[j].InstanceID+ws[j].StepID
	})
	if limit > 0 && len(ws) > limit {
		ws = ws[:limit]
	}
	return ws
}

// --- Events ---

func appendEventsTx(ctx context.Context, tx *sql.Tx, instanceID string, events []*Event, now time.Time) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE instance_id = ?`, instanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	for _, ev := range events {
		seq++
		ev.InstanceID = instanceID
		ev.Sequence = seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (instance_id, step_id, event_type, payload, actor, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			instanceID, nullStr(ev.StepID), ev.Type, nullRaw(ev.Payload), nullStr(ev.Actor), ev.Timestamp, seq,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			ev.ID = id
		}
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_id, event_type, payload, actor, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, instance_id, step_id, event_type, payload, actor, timestamp, sequence
		FROM events WHERE event_type = ?`
	args := []any{eventType}

	if filter.InstanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &stepID, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Actor = actor.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) UpsertScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, definition_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition_id=excluded.definition_id, cron_expression=excluded.cron_expression,
		   payload=excluded.payload, enabled=excluded.enabled, next_run_at=excluded.next_run_at`,
		trig.ID, trig.DefinitionID, trig.CronExpression, nullRaw(trig.Payload), boolInt(trig.Enabled),
		nullTime(trig.LastRunAt), nullTime(trig.NextRunAt), nullStr(trig.LastRunStatus), timeOrNow(trig.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM scheduled_triggers WHERE id = ?`, id)
	trig, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled trigger", id)
	}
	return trig, err
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM scheduled_triggers WHERE 1=1`
	var args []any
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTrigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trig)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

const triggerColumns = `id, definition_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanTrigger(row rowScanner) (*ScheduledTrigger, error) {
	t := &ScheduledTrigger{}
	var (
		payload, status   sql.NullString
		enabled           int
		lastRun, nextRun  sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.DefinitionID, &t.CronExpression, &payload, &enabled, &lastRun, &nextRun, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Payload = rawOrNil(payload)
	t.Enabled = enabled != 0
	t.LastRunStatus = status.String
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	return t, nil
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func refLabel(id string, version int) string {
	if version <= 0 {
		return id
	}
	return fmt.Sprintf("%s@v%d", id, version)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
