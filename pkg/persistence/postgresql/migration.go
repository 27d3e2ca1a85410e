package postgresql

// Every table keeps the full entity as a JSONB document; the plain columns
// exist for filtering, ordering and the version check.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_templates (
				id TEXT PRIMARY KEY,
				company_id TEXT NOT NULL,
				name TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				trigger_type TEXT NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT false,
				version BIGINT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE INDEX idx_workflow_templates_lookup ON workflow_templates(company_id, entity_type, trigger_type);

			CREATE TABLE workflow_instances (
				id TEXT PRIMARY KEY,
				company_id TEXT NOT NULL,
				template_id TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE INDEX idx_workflow_instances_company ON workflow_instances(company_id, started_at DESC);
			CREATE INDEX idx_workflow_instances_entity ON workflow_instances(entity_type, entity_id);
			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);

			CREATE TABLE step_executions (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				step_number INT NOT NULL,
				activated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE INDEX idx_step_executions_instance ON step_executions(instance_id, step_number);

			CREATE TABLE approval_requests (
				id TEXT PRIMARY KEY,
				company_id TEXT NOT NULL,
				instance_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				priority TEXT NOT NULL DEFAULT '',
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				assigned_to TEXT NOT NULL DEFAULT '',
				assigned_role TEXT NOT NULL DEFAULT '',
				requested_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE INDEX idx_approval_requests_company ON approval_requests(company_id, requested_at DESC);
			CREATE INDEX idx_approval_requests_status ON approval_requests(status);
			CREATE INDEX idx_approval_requests_instance ON approval_requests(instance_id);
			CREATE INDEX idx_approval_requests_assignee ON approval_requests(assigned_to);

			CREATE TABLE approval_comments (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				approval_request_id TEXT NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
				is_internal BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE INDEX idx_approval_comments_request ON approval_comments(approval_request_id, created_at);

			CREATE TABLE users (
				id TEXT PRIMARY KEY,
				company_id TEXT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE INDEX idx_users_company ON users(company_id);
			CREATE INDEX idx_users_roles ON users USING GIN ((doc->'roles'));

			CREATE TABLE sites (
				id TEXT PRIMARY KEY,
				company_id TEXT NOT NULL,
				doc JSONB NOT NULL
			);

			CREATE TABLE notification_preferences (
				user_id TEXT PRIMARY KEY,
				doc JSONB NOT NULL
			);
		`,
	}
}
