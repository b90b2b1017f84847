package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hiverun/hive/internal/common/apperr"
	sqliteutil "github.com/hiverun/hive/internal/common/sqlite"
)

// Store provides transactional reads and writes for cells, services and
// provisioning state. The writer pool serializes mutations; the reader
// pool serves concurrent queries.
type Store struct {
	db  *sqlx.DB // writer
	ro  *sqlx.DB // reader
	now func() time.Time
}

// New creates a Store over the given connection pools. now defaults to
// time.Now; tests inject a deterministic clock.
func New(writer, reader *sqlx.DB, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: writer, ro: reader, now: now}
}

// Now returns the store's current time. Provisioning and supervisor code
// stamp timing events with the same clock the rows use.
func (s *Store) Now() time.Time {
	return s.now()
}

const cellColumns = `id, name, template_id, workspace_path, workspace_root_path, workspace_id, description,
	status, opencode_session_id, resume_agent_session_on_startup, last_setup_error, created_at, updated_at`

// CreateCell inserts a new cell row.
func (s *Store) CreateCell(ctx context.Context, cell *Cell) error {
	if cell.ID == "" {
		cell.ID = uuid.New().String()
	}
	now := s.now()
	cell.CreatedAt = now
	cell.UpdatedAt = now
	if cell.Status == "" {
		cell.Status = CellStatusSpawning
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cells (`+cellColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), cell.ID, cell.Name, cell.TemplateID, cell.WorkspacePath, cell.WorkspaceRootPath, cell.WorkspaceID,
		sqliteutil.NullString(cell.Description), cell.Status, sqliteutil.NullString(cell.OpencodeSessionID),
		sqliteutil.BoolToInt(cell.ResumeAgentSessionOnStartup), sqliteutil.NullString(cell.LastSetupError),
		cell.CreatedAt, cell.UpdatedAt)
	if err != nil {
		if sqliteutil.IsUniqueViolation(err) {
			return apperr.AlreadyExists(fmt.Sprintf("cell %q already exists", cell.ID))
		}
		return apperr.StoreError("failed to create cell", err)
	}
	return nil
}

// UpdateCell applies a partial update to a cell and bumps updated_at.
func (s *Store) UpdateCell(ctx context.Context, id string, update CellUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, sqliteutil.NullString(*update.Description))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.WorkspacePath != nil {
		sets = append(sets, "workspace_path = ?")
		args = append(args, *update.WorkspacePath)
	}
	if update.OpencodeSessionID != nil {
		sets = append(sets, "opencode_session_id = ?")
		args = append(args, sqliteutil.NullString(*update.OpencodeSessionID))
	}
	if update.ResumeAgentSessionOnStartup != nil {
		sets = append(sets, "resume_agent_session_on_startup = ?")
		args = append(args, sqliteutil.BoolToInt(*update.ResumeAgentSessionOnStartup))
	}
	if update.LastSetupError != nil {
		sets = append(sets, "last_setup_error = ?")
		args = append(args, sqliteutil.NullString(*update.LastSetupError))
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE cells SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return apperr.StoreError("failed to update cell", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("cell", id)
	}
	return nil
}

// GetCell retrieves a cell by ID.
func (s *Store) GetCell(ctx context.Context, id string) (*Cell, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+cellColumns+` FROM cells WHERE id = ?`), id)
	cell, err := scanCell(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("cell", id)
	}
	if err != nil {
		return nil, apperr.StoreError("failed to get cell", err)
	}
	return cell, nil
}

// GetCellBySessionID retrieves the cell bound to an agent session.
func (s *Store) GetCellBySessionID(ctx context.Context, sessionID string) (*Cell, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+cellColumns+` FROM cells WHERE opencode_session_id = ?`), sessionID)
	cell, err := scanCell(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("cell", sessionID)
	}
	if err != nil {
		return nil, apperr.StoreError("failed to get cell by session", err)
	}
	return cell, nil
}

// ListCells returns all cells ordered by creation time.
func (s *Store) ListCells(ctx context.Context) ([]*Cell, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+cellColumns+` FROM cells ORDER BY created_at`)
	if err != nil {
		return nil, apperr.StoreError("failed to list cells", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCells(rows)
}

// ListCellsByWorkspace returns all cells belonging to a workspace.
func (s *Store) ListCellsByWorkspace(ctx context.Context, workspaceID string) ([]*Cell, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+cellColumns+` FROM cells WHERE workspace_id = ? ORDER BY created_at`), workspaceID)
	if err != nil {
		return nil, apperr.StoreError("failed to list cells by workspace", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCells(rows)
}

// DeleteCell removes a cell; services and provisioning state cascade.
func (s *Store) DeleteCell(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM cells WHERE id = ?`), id)
	if err != nil {
		return apperr.StoreError("failed to delete cell", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("cell", id)
	}
	return nil
}

const serviceColumns = `id, cell_id, name, type, command, cwd, env, definition, port, pid,
	status, ready_timeout_ms, last_known_error, created_at, updated_at`

// CreateService inserts a new service row.
func (s *Store) CreateService(ctx context.Context, svc *CellService) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	now := s.now()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	if svc.Type == "" {
		svc.Type = ServiceTypeProcess
	}
	if svc.Status == "" {
		svc.Status = ServiceStatusPending
	}

	env, definition := marshalServiceBlobs(svc)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cell_services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), svc.ID, svc.CellID, svc.Name, svc.Type, svc.Command, svc.Cwd, env, definition,
		sqliteutil.NullInt(svc.Port), sqliteutil.NullInt(svc.PID), svc.Status,
		sqliteutil.NullInt(svc.ReadyTimeoutMs), sqliteutil.NullString(svc.LastKnownError),
		svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		if sqliteutil.IsUniqueViolation(err) {
			return apperr.AlreadyExists(fmt.Sprintf("service %q already exists for cell %s", svc.Name, svc.CellID))
		}
		return apperr.StoreError("failed to create service", err)
	}
	return nil
}

// UpdateService applies a partial update to a service and bumps updated_at.
func (s *Store) UpdateService(ctx context.Context, id string, update ServiceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}

	if update.Command != nil {
		sets = append(sets, "command = ?")
		args = append(args, *update.Command)
	}
	if update.Cwd != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, *update.Cwd)
	}
	if update.Env != nil {
		data, err := json.Marshal(*update.Env)
		if err != nil {
			data = []byte("{}")
		}
		sets = append(sets, "env = ?")
		args = append(args, string(data))
	}
	if update.Definition != nil {
		definition := string(*update.Definition)
		if definition == "" {
			definition = "{}"
		}
		sets = append(sets, "definition = ?")
		args = append(args, definition)
	}
	if update.Port != nil {
		sets = append(sets, "port = ?")
		args = append(args, sqliteutil.NullInt(*update.Port))
	}
	if update.PID != nil {
		sets = append(sets, "pid = ?")
		args = append(args, sqliteutil.NullInt(*update.PID))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.ReadyTimeoutMs != nil {
		sets = append(sets, "ready_timeout_ms = ?")
		args = append(args, sqliteutil.NullInt(*update.ReadyTimeoutMs))
	}
	if update.LastKnownError != nil {
		sets = append(sets, "last_known_error = ?")
		args = append(args, sqliteutil.NullString(*update.LastKnownError))
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE cell_services SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return apperr.StoreError("failed to update service", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("service", id)
	}
	return nil
}

// DeleteService removes a service row.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM cell_services WHERE id = ?`), id)
	if err != nil {
		return apperr.StoreError("failed to delete service", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("service", id)
	}
	return nil
}

// GetService retrieves a service by ID.
func (s *Store) GetService(ctx context.Context, id string) (*CellService, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+serviceColumns+` FROM cell_services WHERE id = ?`), id)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("service", id)
	}
	if err != nil {
		return nil, apperr.StoreError("failed to get service", err)
	}
	return svc, nil
}

// FindService retrieves a service by its (cellID, name) key.
func (s *Store) FindService(ctx context.Context, cellID, name string) (*CellService, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+serviceColumns+` FROM cell_services WHERE cell_id = ? AND name = ?`), cellID, name)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("service", cellID+"/"+name)
	}
	if err != nil {
		return nil, apperr.StoreError("failed to find service", err)
	}
	return svc, nil
}

// ListServicesByCell returns all services of a cell ordered by name.
func (s *Store) ListServicesByCell(ctx context.Context, cellID string) ([]*CellService, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+serviceColumns+` FROM cell_services WHERE cell_id = ? ORDER BY name`), cellID)
	if err != nil {
		return nil, apperr.StoreError("failed to list services", err)
	}
	defer func() { _ = rows.Close() }()
	return scanServices(rows)
}

// ListServicesWithCells returns every service row joined with its owning
// cell. The supervisor's bootstrap uses this to group services by cell.
func (s *Store) ListServicesWithCells(ctx context.Context) ([]*ServiceWithCell, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT s.id, s.cell_id, s.name, s.type, s.command, s.cwd, s.env, s.definition, s.port, s.pid,
			s.status, s.ready_timeout_ms, s.last_known_error, s.created_at, s.updated_at,
			c.id, c.name, c.template_id, c.workspace_path, c.workspace_root_path, c.workspace_id, c.description,
			c.status, c.opencode_session_id, c.resume_agent_session_on_startup, c.last_setup_error, c.created_at, c.updated_at
		FROM cell_services s
		JOIN cells c ON c.id = s.cell_id
		ORDER BY c.created_at, s.name
	`)
	if err != nil {
		return nil, apperr.StoreError("failed to list services with cells", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ServiceWithCell
	for rows.Next() {
		var (
			svc                                   CellService
			cell                                  Cell
			env, definition                       string
			sPort, sPID, sReadyTimeout            sql.NullInt64
			sLastErr                              sql.NullString
			cDescription, cSessionID, cSetupError sql.NullString
			cResume                               int
		)
		if err := rows.Scan(
			&svc.ID, &svc.CellID, &svc.Name, &svc.Type, &svc.Command, &svc.Cwd, &env, &definition,
			&sPort, &sPID, &svc.Status, &sReadyTimeout, &sLastErr, &svc.CreatedAt, &svc.UpdatedAt,
			&cell.ID, &cell.Name, &cell.TemplateID, &cell.WorkspacePath, &cell.WorkspaceRootPath,
			&cell.WorkspaceID, &cDescription, &cell.Status, &cSessionID, &cResume, &cSetupError,
			&cell.CreatedAt, &cell.UpdatedAt,
		); err != nil {
			return nil, apperr.StoreError("failed to scan joined row", err)
		}
		hydrateServiceBlobs(&svc, env, definition)
		svc.Port = sqliteutil.IntPtr(sPort)
		svc.PID = sqliteutil.IntPtr(sPID)
		svc.ReadyTimeoutMs = sqliteutil.IntPtr(sReadyTimeout)
		svc.LastKnownError = sqliteutil.StringPtr(sLastErr)
		cell.Description = sqliteutil.StringPtr(cDescription)
		cell.OpencodeSessionID = sqliteutil.StringPtr(cSessionID)
		cell.LastSetupError = sqliteutil.StringPtr(cSetupError)
		cell.ResumeAgentSessionOnStartup = cResume != 0
		result = append(result, &ServiceWithCell{Service: svc, Cell: cell})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreError("failed to iterate joined rows", err)
	}
	return result, nil
}

const provisioningColumns = `cell_id, run_id, step, status, attempt, last_error,
	model_id_override, provider_id_override, start_mode, started_at, updated_at`

// UpsertProvisioningState inserts or replaces the provisioning state of a
// cell. StartedAt is preserved on update; UpdatedAt is always bumped.
func (s *Store) UpsertProvisioningState(ctx context.Context, state *CellProvisioningState) error {
	now := s.now()
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	state.UpdatedAt = now
	if state.Attempt == 0 {
		state.Attempt = 1
	}

	var startMode sql.NullString
	if state.StartMode != nil {
		startMode = sql.NullString{String: string(*state.StartMode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cell_provisioning_states (`+provisioningColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cell_id) DO UPDATE SET
			run_id = excluded.run_id,
			step = excluded.step,
			status = excluded.status,
			attempt = excluded.attempt,
			last_error = excluded.last_error,
			model_id_override = excluded.model_id_override,
			provider_id_override = excluded.provider_id_override,
			start_mode = excluded.start_mode,
			updated_at = excluded.updated_at
	`), state.CellID, state.RunID, state.Step, state.Status, state.Attempt,
		sqliteutil.NullString(state.LastError), sqliteutil.NullString(state.ModelIDOverride),
		sqliteutil.NullString(state.ProviderIDOverride), startMode, state.StartedAt, state.UpdatedAt)
	if err != nil {
		return apperr.StoreError("failed to upsert provisioning state", err)
	}
	return nil
}

// GetProvisioningState retrieves the provisioning state for a cell, which
// also carries the persisted model/provider/start-mode overrides.
func (s *Store) GetProvisioningState(ctx context.Context, cellID string) (*CellProvisioningState, error) {
	state := &CellProvisioningState{}
	var lastErr, modelOverride, providerOverride, startMode sql.NullString
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+provisioningColumns+` FROM cell_provisioning_states WHERE cell_id = ?`), cellID).Scan(
		&state.CellID, &state.RunID, &state.Step, &state.Status, &state.Attempt, &lastErr,
		&modelOverride, &providerOverride, &startMode, &state.StartedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("provisioning state", cellID)
	}
	if err != nil {
		return nil, apperr.StoreError("failed to get provisioning state", err)
	}
	state.LastError = sqliteutil.StringPtr(lastErr)
	state.ModelIDOverride = sqliteutil.StringPtr(modelOverride)
	state.ProviderIDOverride = sqliteutil.StringPtr(providerOverride)
	if startMode.Valid {
		mode := StartMode(startMode.String)
		state.StartMode = &mode
	}
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(row rowScanner) (*Cell, error) {
	cell := &Cell{}
	var description, sessionID, setupError sql.NullString
	var resume int
	err := row.Scan(&cell.ID, &cell.Name, &cell.TemplateID, &cell.WorkspacePath, &cell.WorkspaceRootPath,
		&cell.WorkspaceID, &description, &cell.Status, &sessionID, &resume, &setupError,
		&cell.CreatedAt, &cell.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cell.Description = sqliteutil.StringPtr(description)
	cell.OpencodeSessionID = sqliteutil.StringPtr(sessionID)
	cell.LastSetupError = sqliteutil.StringPtr(setupError)
	cell.ResumeAgentSessionOnStartup = resume != 0
	return cell, nil
}

func scanCells(rows *sql.Rows) ([]*Cell, error) {
	var cells []*Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, apperr.StoreError("failed to scan cell", err)
		}
		cells = append(cells, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreError("failed to iterate cells", err)
	}
	return cells, nil
}

func scanService(row rowScanner) (*CellService, error) {
	svc := &CellService{}
	var env, definition string
	var port, pid, readyTimeout sql.NullInt64
	var lastErr sql.NullString
	err := row.Scan(&svc.ID, &svc.CellID, &svc.Name, &svc.Type, &svc.Command, &svc.Cwd, &env, &definition,
		&port, &pid, &svc.Status, &readyTimeout, &lastErr, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	hydrateServiceBlobs(svc, env, definition)
	svc.Port = sqliteutil.IntPtr(port)
	svc.PID = sqliteutil.IntPtr(pid)
	svc.ReadyTimeoutMs = sqliteutil.IntPtr(readyTimeout)
	svc.LastKnownError = sqliteutil.StringPtr(lastErr)
	return svc, nil
}

func scanServices(rows *sql.Rows) ([]*CellService, error) {
	var services []*CellService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, apperr.StoreError("failed to scan service", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreError("failed to iterate services", err)
	}
	return services, nil
}

func marshalServiceBlobs(svc *CellService) (env, definition string) {
	envData, err := json.Marshal(svc.Env)
	if err != nil || svc.Env == nil {
		envData = []byte("{}")
	}
	definition = string(svc.Definition)
	if definition == "" {
		definition = "{}"
	}
	return string(envData), definition
}

func hydrateServiceBlobs(svc *CellService, env, definition string) {
	svc.Env = map[string]string{}
	_ = json.Unmarshal([]byte(env), &svc.Env)
	svc.Definition = json.RawMessage(definition)
}
