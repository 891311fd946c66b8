package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/retryer"
)

// PostgresStore implements Store on top of a pgxpool.Pool. Assignment and
// report application run inside transactions with row locks, which gives
// the "assign only if still QUEUED" conditional-update semantics across
// concurrently polling providers.
type PostgresStore struct {
	db       *pgxpool.Pool
	logger   *zap.Logger
	retryCfg retryer.Config
}

// NewPostgresStore creates a PostgresStore over a connected pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		logger:   logger.Named("postgres_store"),
		retryCfg: retryer.DefaultConfig(),
	}
}

// Initialize creates the providers and tasks tables if they don't exist.
// A migrations tool would be the production answer; CREATE IF NOT EXISTS
// keeps single-binary deployments simple.
func (ps *PostgresStore) Initialize(ctx context.Context) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS providers (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL,
		gpus JSONB NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		telemetry JSONB,
		metadata JSONB
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		owner_id VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL,
		image VARCHAR(512) NOT NULL,
		input_ref TEXT,
		script_ref TEXT,
		output_ref TEXT,
		env JSONB,
		assigned_provider VARCHAR(255),
		assigned_gpu VARCHAR(255),
		submitted_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		last_update TIMESTAMPTZ NOT NULL,
		stdout TEXT,
		stderr TEXT,
		error_message TEXT,
		result_ref TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
	CREATE INDEX IF NOT EXISTS idx_tasks_queued_fifo ON tasks (submitted_at, id) WHERE status = 'QUEUED';
	CREATE INDEX IF NOT EXISTS idx_tasks_last_update ON tasks (last_update);
	CREATE INDEX IF NOT EXISTS idx_providers_last_seen ON providers (last_seen_at);
	`

	if _, err := ps.db.Exec(ctx, createSQL); err != nil {
		ps.logger.Error("Failed to create tables", zap.Error(err))
		return fmt.Errorf("initializing tables: %w", err)
	}
	ps.logger.Info("'providers' and 'tasks' tables checked/created")
	return nil
}

func (ps *PostgresStore) Close() error {
	ps.db.Close()
	return nil
}

func (ps *PostgresStore) RegisterProvider(ctx context.Context, provider *models.Provider) error {
	gpusJSON, err := json.Marshal(provider.GPUs)
	if err != nil {
		return fmt.Errorf("marshalling gpus for provider %s: %w", provider.ID, err)
	}
	metadataJSON, err := json.Marshal(provider.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata for provider %s: %w", provider.ID, err)
	}

	upsertSQL := `
	INSERT INTO providers (id, name, status, gpus, registered_at, last_seen_at, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		status = EXCLUDED.status,
		gpus = EXCLUDED.gpus,
		-- registered_at keeps its original value on re-registration
		last_seen_at = EXCLUDED.last_seen_at,
		metadata = EXCLUDED.metadata
	`
	return retryer.WithRetry(ctx, ps.logger, ps.retryCfg, "RegisterProvider", func() error {
		_, err := ps.db.Exec(ctx, upsertSQL,
			provider.ID, provider.Name, provider.Status, gpusJSON,
			provider.RegisteredAt, provider.LastSeenAt, metadataJSON)
		return err
	})
}

const providerColumns = `id, name, status, gpus, registered_at, last_seen_at, telemetry, metadata`

func scanProvider(row pgx.Row) (*models.Provider, error) {
	p := &models.Provider{}
	var gpusJSON, telemetryJSON, metadataJSON []byte
	err := row.Scan(&p.ID, &p.Name, &p.Status, &gpusJSON,
		&p.RegisteredAt, &p.LastSeenAt, &telemetryJSON, &metadataJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(gpusJSON, &p.GPUs); err != nil {
		return nil, fmt.Errorf("unmarshalling gpus: %w", err)
	}
	if len(telemetryJSON) > 0 && string(telemetryJSON) != "null" {
		p.Telemetry = &models.Telemetry{}
		if err := json.Unmarshal(telemetryJSON, p.Telemetry); err != nil {
			return nil, fmt.Errorf("unmarshalling telemetry: %w", err)
		}
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	return p, nil
}

func (ps *PostgresStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	row := ps.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	provider, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrProviderNotFound
		}
		return nil, fmt.Errorf("getting provider %s: %w", id, err)
	}
	return provider, nil
}

func (ps *PostgresStore) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	rows, err := ps.db.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var out []*models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) TouchProvider(ctx context.Context, id string, telemetry *models.Telemetry) error {
	telemetryJSON, err := json.Marshal(telemetry)
	if err != nil {
		return fmt.Errorf("marshalling telemetry for provider %s: %w", id, err)
	}
	touchSQL := `
	UPDATE providers
	SET last_seen_at = $2, status = $3, telemetry = COALESCE($4, telemetry)
	WHERE id = $1
	`
	var arg interface{}
	if telemetry != nil {
		arg = telemetryJSON
	}
	return retryer.WithRetry(ctx, ps.logger, ps.retryCfg, "TouchProvider", func() error {
		tag, err := ps.db.Exec(ctx, touchSQL, id, time.Now().UTC(), models.ProviderActive, arg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrProviderNotFound
		}
		return nil
	})
}

func (ps *PostgresStore) MarkProviderStatus(ctx context.Context, id string, status models.ProviderStatus) error {
	tag, err := ps.db.Exec(ctx, `UPDATE providers SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("marking provider %s %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrProviderNotFound
	}
	return nil
}

func (ps *PostgresStore) SetGPUStatus(ctx context.Context, providerID, gpuID string, status models.GPUStatus) error {
	return retryer.WithRetry(ctx, ps.logger, ps.retryCfg, "SetGPUStatus", func() error {
		return pgx.BeginFunc(ctx, ps.db, func(tx pgx.Tx) error {
			return setGPUStatusTx(ctx, tx, providerID, gpuID, status)
		})
	})
}

// setGPUStatusTx flips one GPU flag inside an open transaction. The row
// lock on the provider serializes flag mutations per (provider, gpu) pair.
func setGPUStatusTx(ctx context.Context, tx pgx.Tx, providerID, gpuID string, status models.GPUStatus) error {
	var gpusJSON []byte
	err := tx.QueryRow(ctx, `SELECT gpus FROM providers WHERE id = $1 FOR UPDATE`, providerID).Scan(&gpusJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrProviderNotFound
		}
		return fmt.Errorf("locking provider %s: %w", providerID, err)
	}

	var gpus []models.GPU
	if err := json.Unmarshal(gpusJSON, &gpus); err != nil {
		return fmt.Errorf("unmarshalling gpus for provider %s: %w", providerID, err)
	}
	found := false
	for i := range gpus {
		if gpus[i].ID == gpuID {
			gpus[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return models.ErrGPUNotFound
	}

	updated, err := json.Marshal(gpus)
	if err != nil {
		return fmt.Errorf("marshalling gpus for provider %s: %w", providerID, err)
	}
	_, err = tx.Exec(ctx, `UPDATE providers SET gpus = $2 WHERE id = $1`, providerID, updated)
	return err
}

func (ps *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	envJSON, err := json.Marshal(task.Env)
	if err != nil {
		return fmt.Errorf("marshalling env for task %s: %w", task.ID, err)
	}
	insertSQL := `
	INSERT INTO tasks (
		id, owner_id, status, image, input_ref, script_ref, output_ref, env,
		submitted_at, last_update
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	return retryer.WithRetry(ctx, ps.logger, ps.retryCfg, "CreateTask", func() error {
		_, err := ps.db.Exec(ctx, insertSQL,
			task.ID, task.OwnerID, task.Status, task.Image,
			nullString(task.InputRef), nullString(task.ScriptRef), nullString(task.OutputRef),
			envJSON, task.SubmittedAt, task.LastUpdate)
		return err
	})
}

const taskColumns = `id, owner_id, status, image, input_ref, script_ref, output_ref, env,
	assigned_provider, assigned_gpu, submitted_at, started_at, ended_at, last_update,
	stdout, stderr, error_message, result_ref`

func scanTask(row pgx.Row) (*models.Task, error) {
	t := &models.Task{}
	var envJSON []byte
	var inputRef, scriptRef, outputRef, provider, gpu, stdout, stderr, errMsg, resultRef sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&t.ID, &t.OwnerID, &t.Status, &t.Image,
		&inputRef, &scriptRef, &outputRef, &envJSON,
		&provider, &gpu, &t.SubmittedAt, &startedAt, &endedAt, &t.LastUpdate,
		&stdout, &stderr, &errMsg, &resultRef)
	if err != nil {
		return nil, err
	}
	if len(envJSON) > 0 && string(envJSON) != "null" {
		if err := json.Unmarshal(envJSON, &t.Env); err != nil {
			return nil, fmt.Errorf("unmarshalling env: %w", err)
		}
	}
	t.InputRef = inputRef.String
	t.ScriptRef = scriptRef.String
	t.OutputRef = outputRef.String
	t.AssignedProvider = provider.String
	t.AssignedGPU = gpu.String
	t.Stdout = stdout.String
	t.Stderr = stderr.String
	t.Error = errMsg.String
	t.ResultRef = resultRef.String
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if endedAt.Valid {
		ts := endedAt.Time
		t.EndedAt = &ts
	}
	return t, nil
}

func (ps *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := ps.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return task, nil
}

func (ps *PostgresStore) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY submitted_at DESC`

	rows, err := ps.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AssignNextTask binds the oldest queued task to (providerID, gpuID) in a
// single transaction. FOR UPDATE SKIP LOCKED on the task row means two
// providers polling at the same instant pick different tasks (or one gets
// nothing), and the guard "AND status = 'QUEUED'" on the final update makes
// the assignment conditional even under retries.
func (ps *PostgresStore) AssignNextTask(ctx context.Context, providerID, gpuID string) (*models.Task, error) {
	var assigned *models.Task
	err := retryer.WithRetry(ctx, ps.logger, ps.retryCfg, "AssignNextTask", func() error {
		return pgx.BeginFunc(ctx, ps.db, func(tx pgx.Tx) error {
			// Lock the provider row first so the GPU flag re-check and flip
			// are serialized with any concurrent poll or release.
			var gpusJSON []byte
			err := tx.QueryRow(ctx, `SELECT gpus FROM providers WHERE id = $1 FOR UPDATE`, providerID).Scan(&gpusJSON)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return models.ErrProviderNotFound
				}
				return fmt.Errorf("locking provider %s: %w", providerID, err)
			}
			var gpus []models.GPU
			if err := json.Unmarshal(gpusJSON, &gpus); err != nil {
				return fmt.Errorf("unmarshalling gpus: %w", err)
			}
			idx := -1
			for i := range gpus {
				if gpus[i].ID == gpuID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return models.ErrGPUNotFound
			}
			if gpus[idx].Status != models.GPUIdle {
				return models.ErrNoIdleGPU
			}

			row := tx.QueryRow(ctx, `
				SELECT `+taskColumns+` FROM tasks
				WHERE status = 'QUEUED'
				ORDER BY submitted_at, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED`)
			task, err := scanTask(row)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return models.ErrNoQueuedTasks
				}
				return fmt.Errorf("selecting queued task: %w", err)
			}

			task.Assign(providerID, gpuID)
			tag, err := tx.Exec(ctx, `
				UPDATE tasks
				SET status = $2, assigned_provider = $3, assigned_gpu = $4,
					started_at = $5, last_update = $6
				WHERE id = $1 AND status = 'QUEUED'`,
				task.ID, task.Status, providerID, gpuID, task.StartedAt, task.LastUpdate)
			if err != nil {
				return fmt.Errorf("assigning task %s: %w", task.ID, err)
			}
			if tag.RowsAffected() == 0 {
				// Lost the race despite the row lock; treat as empty queue.
				return models.ErrNoQueuedTasks
			}

			gpus[idx].Status = models.GPUBusy
			updated, err := json.Marshal(gpus)
			if err != nil {
				return fmt.Errorf("marshalling gpus: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE providers SET gpus = $2 WHERE id = $1`, providerID, updated); err != nil {
				return fmt.Errorf("marking gpu busy: %w", err)
			}

			assigned = task
			return nil
		})
	})
	if err != nil {
		// Unwrap the operation prefix added by the retryer for sentinel checks.
		for _, sentinel := range []error{models.ErrNoQueuedTasks, models.ErrNoIdleGPU, models.ErrProviderNotFound, models.ErrGPUNotFound} {
			if errors.Is(err, sentinel) {
				return nil, sentinel
			}
		}
		return nil, err
	}
	return assigned, nil
}

func (ps *PostgresStore) ApplyTaskReport(ctx context.Context, id uuid.UUID, report *models.StatusReport) (*models.Task, bool, error) {
	var result *models.Task
	var becameTerminal bool

	err := retryer.WithRetry(ctx, ps.logger, ps.retryCfg, "ApplyTaskReport", func() error {
		return pgx.BeginFunc(ctx, ps.db, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
			task, err := scanTask(row)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return models.ErrTaskNotFound
				}
				return fmt.Errorf("locking task %s: %w", id, err)
			}

			becameTerminal, err = applyReport(task, report)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx, `
				UPDATE tasks
				SET status = $2, ended_at = $3, last_update = $4,
					stdout = $5, stderr = $6, error_message = $7, result_ref = $8
				WHERE id = $1`,
				task.ID, task.Status, task.EndedAt, task.LastUpdate,
				nullString(task.Stdout), nullString(task.Stderr),
				nullString(task.Error), nullString(task.ResultRef))
			if err != nil {
				return fmt.Errorf("updating task %s: %w", id, err)
			}
			result = task
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil, false, models.ErrTaskNotFound
		}
		return nil, false, err
	}
	return result, becameTerminal, nil
}

func (ps *PostgresStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Task, error) {
	rows, err := ps.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('RUNNING', 'DOWNLOADING', 'UPLOADING') AND last_update < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) ListSilentProviders(ctx context.Context, cutoff time.Time) ([]*models.Provider, error) {
	rows, err := ps.db.Query(ctx, `
		SELECT `+providerColumns+` FROM providers
		WHERE status = $1 AND last_seen_at < $2`,
		models.ProviderActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing silent providers: %w", err)
	}
	defer rows.Close()

	var out []*models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
