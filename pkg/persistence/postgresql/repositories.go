package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/persistence"
	"github.com/lib/pq"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

func insert(ctx context.Context, q querier, entity, id, query string, args ...any) error {
	_, err := q.ExecContext(ctx, query, args...)
	if err == nil {
		return nil
	}

	if pqCode(err) == uniqueViolation {
		return persistence.NewEntityError("create", entity, id, persistence.ErrAlreadyExists)
	}

	return fmt.Errorf("failed to insert %s: %w", entity, err)
}

// casUpdate writes doc and cols when the stored version still equals *version.
// On success *version is incremented; on failure it is left untouched.
func casUpdate(ctx context.Context, q querier, table, entity, id string, version *int64, doc any, notFound error, cols map[string]any) error {
	expected := *version
	*version = expected + 1

	data, err := json.Marshal(doc)
	if err != nil {
		*version = expected

		return fmt.Errorf("failed to marshal %s: %w", entity, err)
	}

	set := []string{"version = $3", "doc = $4"}
	args := []any{id, expected, *version, data}

	for _, name := range slices.Sorted(maps.Keys(cols)) {
		args = append(args, cols[name])
		set = append(set, fmt.Sprintf("%s = $%d", name, len(args)))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 AND version = $2", table, strings.Join(set, ", "))

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		*version = expected

		return fmt.Errorf("failed to update %s: %w", entity, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		*version = expected

		return fmt.Errorf("failed to update %s: %w", entity, err)
	}

	if affected == 1 {
		return nil
	}

	*version = expected

	var exists bool

	err = q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}

	if !exists {
		return notFound
	}

	return persistence.NewEntityError("update", entity, id, persistence.ErrVersionConflict)
}

func getDoc[T any](ctx context.Context, q querier, notFound error, query string, args ...any) (*T, error) {
	var data []byte

	err := q.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}

	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}

	return out, nil
}

func listDocs[T any](ctx context.Context, q querier, query string, args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}

	defer func() { _ = rows.Close() }()

	out := make([]*T, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}

		item := new(T)
		if err := json.Unmarshal(data, item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal: %w", err)
		}

		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return out, nil
}

func countRows(ctx context.Context, q querier, query string, args ...any) (int, error) {
	var total int

	if err := q.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}

	return total, nil
}

// where accumulates AND-ed predicates; each clause holds one %d for its placeholder.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// paged appends LIMIT and OFFSET placeholders after the filter arguments.
func (w *where) paged(p persistence.Page) (string, []any) {
	p = p.Normalize()
	n := len(w.args)

	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2), append(append([]any{}, w.args...), p.Limit, p.Offset)
}

func strs[T ~string](values []T) []string {
	out := make([]string, len(values))
	for n, v := range values {
		out[n] = string(v)
	}

	return out
}

type templateRepo struct{ q querier }

func (r *templateRepo) Create(ctx context.Context, t *models.WorkflowTemplate) error {
	t.Version = 1

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow_template: %w", err)
	}

	return insert(ctx, r.q, "workflow_template", t.ID, `
		INSERT INTO workflow_templates (id, company_id, name, entity_type, trigger_type, is_active, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.CompanyID, t.Name, string(t.EntityType), string(t.TriggerType), t.IsActive, t.Version, data)
}

func (r *templateRepo) Update(ctx context.Context, t *models.WorkflowTemplate) error {
	return casUpdate(ctx, r.q, "workflow_templates", "workflow_template", t.ID, &t.Version, t, persistence.ErrTemplateNotFound, map[string]any{
		"company_id":   t.CompanyID,
		"name":         t.Name,
		"entity_type":  string(t.EntityType),
		"trigger_type": string(t.TriggerType),
		"is_active":    t.IsActive,
	})
}

func (r *templateRepo) ByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	return getDoc[models.WorkflowTemplate](ctx, r.q, persistence.ErrTemplateNotFound,
		"SELECT doc FROM workflow_templates WHERE id = $1", id)
}

func (r *templateRepo) List(ctx context.Context, filter persistence.TemplateFilter) ([]*models.WorkflowTemplate, error) {
	var w where

	if filter.CompanyID != "" {
		w.add("company_id = $%d", filter.CompanyID)
	}

	if filter.EntityType != "" {
		w.add("entity_type = $%d", string(filter.EntityType))
	}

	if filter.TriggerType != "" {
		w.add("trigger_type = $%d", string(filter.TriggerType))
	}

	if filter.ActiveOnly {
		w.add("is_active = $%d", true)
	}

	return listDocs[models.WorkflowTemplate](ctx, r.q,
		"SELECT doc FROM workflow_templates"+w.String()+" ORDER BY name, id", w.args...)
}

type instanceRepo struct{ q querier }

func (r *instanceRepo) Create(ctx context.Context, i *models.WorkflowInstance) error {
	i.Version = 1

	data, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow_instance: %w", err)
	}

	return insert(ctx, r.q, "workflow_instance", i.ID, `
		INSERT INTO workflow_instances (id, company_id, template_id, entity_type, entity_id, status, started_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		i.ID, i.CompanyID, i.TemplateID, string(i.EntityType), i.EntityID, string(i.Status), i.StartedAt, i.Version, data)
}

func (r *instanceRepo) Update(ctx context.Context, i *models.WorkflowInstance) error {
	return casUpdate(ctx, r.q, "workflow_instances", "workflow_instance", i.ID, &i.Version, i, persistence.ErrInstanceNotFound, map[string]any{
		"status":     string(i.Status),
		"started_at": i.StartedAt,
	})
}

func (r *instanceRepo) ByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return getDoc[models.WorkflowInstance](ctx, r.q, persistence.ErrInstanceNotFound,
		"SELECT doc FROM workflow_instances WHERE id = $1", id)
}

func (r *instanceRepo) List(ctx context.Context, filter persistence.InstanceFilter) ([]*models.WorkflowInstance, int, error) {
	var w where

	if filter.CompanyID != "" {
		w.add("company_id = $%d", filter.CompanyID)
	}

	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(filter.Statuses)))
	}

	if filter.EntityType != "" {
		w.add("entity_type = $%d", string(filter.EntityType))
	}

	if filter.EntityID != "" {
		w.add("entity_id = $%d", filter.EntityID)
	}

	total, err := countRows(ctx, r.q, "SELECT COUNT(*) FROM workflow_instances"+w.String(), w.args...)
	if err != nil {
		return nil, 0, err
	}

	limit, args := w.paged(filter.Page)

	out, err := listDocs[models.WorkflowInstance](ctx, r.q,
		"SELECT doc FROM workflow_instances"+w.String()+" ORDER BY started_at DESC, id"+limit, args...)
	if err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

func (r *instanceRepo) ListActive(ctx context.Context, afterID string, limit int) ([]*models.WorkflowInstance, error) {
	query := "SELECT doc FROM workflow_instances WHERE status = $1 AND id > $2 ORDER BY id"
	args := []any{string(models.InstanceInProgress), afterID}

	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	return listDocs[models.WorkflowInstance](ctx, r.q, query, args...)
}

type stepRepo struct{ q querier }

func (r *stepRepo) Create(ctx context.Context, s *models.StepExecution) error {
	s.Version = 1

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal step_execution: %w", err)
	}

	err = insert(ctx, r.q, "step_execution", s.ID, `
		INSERT INTO step_executions (id, instance_id, step_number, activated_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.InstanceID, s.StepNumber, s.ActivatedAt, s.Version, data)
	if pqCode(err) == foreignKeyViolation {
		return persistence.ErrInstanceNotFound
	}

	return err
}

func (r *stepRepo) Update(ctx context.Context, s *models.StepExecution) error {
	return casUpdate(ctx, r.q, "step_executions", "step_execution", s.ID, &s.Version, s, persistence.ErrStepNotFound, map[string]any{
		"activated_at": s.ActivatedAt,
	})
}

func (r *stepRepo) ByID(ctx context.Context, id string) (*models.StepExecution, error) {
	return getDoc[models.StepExecution](ctx, r.q, persistence.ErrStepNotFound,
		"SELECT doc FROM step_executions WHERE id = $1", id)
}

func (r *stepRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.StepExecution, error) {
	return listDocs[models.StepExecution](ctx, r.q,
		"SELECT doc FROM step_executions WHERE instance_id = $1 ORDER BY step_number, activated_at, id", instanceID)
}

type approvalRepo struct{ q querier }

func (r *approvalRepo) Create(ctx context.Context, req *models.ApprovalRequest) error {
	req.Version = 1

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval_request: %w", err)
	}

	return insert(ctx, r.q, "approval_request", req.ID, `
		INSERT INTO approval_requests (id, company_id, instance_id, status, priority, entity_type, entity_id,
			assigned_to, assigned_role, requested_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.CompanyID, req.WorkflowInstanceID, string(req.Status), string(req.Priority),
		string(req.EntityType), req.EntityID, req.AssignedTo, req.AssignedRole, req.RequestedAt, req.Version, data)
}

func (r *approvalRepo) Update(ctx context.Context, req *models.ApprovalRequest) error {
	return casUpdate(ctx, r.q, "approval_requests", "approval_request", req.ID, &req.Version, req, persistence.ErrApprovalNotFound, map[string]any{
		"status":        string(req.Status),
		"priority":      string(req.Priority),
		"assigned_to":   req.AssignedTo,
		"assigned_role": req.AssignedRole,
	})
}

func (r *approvalRepo) ByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return getDoc[models.ApprovalRequest](ctx, r.q, persistence.ErrApprovalNotFound,
		"SELECT doc FROM approval_requests WHERE id = $1", id)
}

func (r *approvalRepo) List(ctx context.Context, filter persistence.ApprovalFilter) ([]*models.ApprovalRequest, int, error) {
	var w where

	if filter.CompanyID != "" {
		w.add("company_id = $%d", filter.CompanyID)
	}

	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(strs(filter.Statuses)))
	}

	if filter.Priority != "" {
		w.add("priority = $%d", string(filter.Priority))
	}

	if filter.EntityType != "" {
		w.add("entity_type = $%d", string(filter.EntityType))
	}

	if filter.EntityID != "" {
		w.add("entity_id = $%d", filter.EntityID)
	}

	if filter.AssignedTo != "" {
		w.add("assigned_to = $%d", filter.AssignedTo)
	}

	if filter.AssignedRole != "" {
		w.add("assigned_role = $%d", filter.AssignedRole)
	}

	total, err := countRows(ctx, r.q, "SELECT COUNT(*) FROM approval_requests"+w.String(), w.args...)
	if err != nil {
		return nil, 0, err
	}

	limit, args := w.paged(filter.Page)

	out, err := listDocs[models.ApprovalRequest](ctx, r.q,
		"SELECT doc FROM approval_requests"+w.String()+" ORDER BY requested_at DESC, id"+limit, args...)
	if err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

func (r *approvalRepo) ListOpen(ctx context.Context, afterID string, limit int) ([]*models.ApprovalRequest, error) {
	query := "SELECT doc FROM approval_requests WHERE status = ANY($1) AND id > $2 ORDER BY id"
	args := []any{pq.Array(strs(models.OpenApprovalStatuses)), afterID}

	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	return listDocs[models.ApprovalRequest](ctx, r.q, query, args...)
}

func (r *approvalRepo) ByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return listDocs[models.ApprovalRequest](ctx, r.q,
		"SELECT doc FROM approval_requests WHERE instance_id = $1 ORDER BY requested_at, id", instanceID)
}

type commentRepo struct{ q querier }

func (r *commentRepo) Create(ctx context.Context, c *models.ApprovalComment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal approval_comment: %w", err)
	}

	err = insert(ctx, r.q, "approval_comment", c.ID, `
		INSERT INTO approval_comments (id, approval_request_id, is_internal, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.ApprovalRequestID, c.IsInternal, c.CreatedAt, data)
	if pqCode(err) == foreignKeyViolation {
		return persistence.ErrApprovalNotFound
	}

	return err
}

func (r *commentRepo) ByRequest(ctx context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error) {
	query := "SELECT doc FROM approval_comments WHERE approval_request_id = $1"
	if !includeInternal {
		query += " AND NOT is_internal"
	}

	return listDocs[models.ApprovalComment](ctx, r.q, query+" ORDER BY created_at, seq", requestID)
}

type userRepo struct{ q querier }

func (r *userRepo) Save(ctx context.Context, u *models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO users (id, company_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET company_id = EXCLUDED.company_id, doc = EXCLUDED.doc`,
		u.ID, u.CompanyID, data)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	return nil
}

func (r *userRepo) ByID(ctx context.Context, id string) (*models.User, error) {
	return getDoc[models.User](ctx, r.q, persistence.ErrUserNotFound, "SELECT doc FROM users WHERE id = $1", id)
}

func (r *userRepo) ByRole(ctx context.Context, companyID, role string) ([]*models.User, error) {
	return listDocs[models.User](ctx, r.q,
		"SELECT doc FROM users WHERE company_id = $1 AND doc->'roles' ? $2 ORDER BY id", companyID, role)
}

type siteRepo struct{ q querier }

func (r *siteRepo) Save(ctx context.Context, s *models.Site) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO sites (id, company_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET company_id = EXCLUDED.company_id, doc = EXCLUDED.doc`,
		s.ID, s.CompanyID, data)
	if err != nil {
		return fmt.Errorf("failed to save site: %w", err)
	}

	return nil
}

func (r *siteRepo) ByID(ctx context.Context, id string) (*models.Site, error) {
	return getDoc[models.Site](ctx, r.q, persistence.ErrSiteNotFound, "SELECT doc FROM sites WHERE id = $1", id)
}

type preferenceRepo struct{ q querier }

func (r *preferenceRepo) Save(ctx context.Context, p *models.Preference) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal preference: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, doc) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc`,
		p.UserID, data)
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}

	return nil
}

func (r *preferenceRepo) ByUser(ctx context.Context, userID string) (*models.Preference, error) {
	return getDoc[models.Preference](ctx, r.q, persistence.ErrPreferenceNotFound,
		"SELECT doc FROM notification_preferences WHERE user_id = $1", userID)
}
