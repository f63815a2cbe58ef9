package repository

import "strings"

var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id {{key}} PRIMARY KEY,
		location_id {{key}} NOT NULL,
		status {{key}} NOT NULL,
		version {{int}} NOT NULL,
		updated_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS claims (
		id {{key}} PRIMARY KEY,
		item_id {{key}} NOT NULL,
		kind {{key}} NOT NULL,
		status {{key}} NOT NULL,
		customer_id {{key}} NULL,
		location_id {{key}} NULL,
		start_at {{time}} NOT NULL,
		end_at {{time}} NOT NULL,
		amount {{money}} NOT NULL,
		version {{int}} NOT NULL,
		updated_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		id {{key}} PRIMARY KEY,
		item_id {{key}} NOT NULL,
		active_item_id {{key}} NULL,
		location_id {{key}} NULL,
		requested_by {{key}} NOT NULL,
		status {{key}} NOT NULL,
		sale_price {{money}} NOT NULL,
		effective_date {{time}} NULL,
		strategy {{key}} NOT NULL,
		conflict_counts {{text}} NOT NULL,
		revenue_impact {{money}} NOT NULL,
		approval_required {{bool}} NOT NULL,
		approval_reasons {{text}} NULL,
		approved_by {{key}} NULL,
		approved_at {{time}} NULL,
		approval_notes {{text}} NULL,
		rejection_reason {{text}} NULL,
		status_reason {{text}} NULL,
		checkpoint_id {{key}} NULL,
		processed_at {{time}} NULL,
		completed_at {{time}} NULL,
		created_at {{time}} NOT NULL,
		updated_at {{time}} NOT NULL,
		version {{int}} NOT NULL,
		UNIQUE (active_item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id {{key}} PRIMARY KEY,
		request_id {{key}} NOT NULL,
		position {{int}} NOT NULL,
		type {{key}} NOT NULL,
		entity_type {{key}} NOT NULL,
		entity_id {{key}} NOT NULL,
		severity {{key}} NOT NULL,
		description {{text}} NOT NULL,
		customer_id {{key}} NULL,
		financial_impact {{money}} NOT NULL,
		starts_at {{time}} NOT NULL,
		ends_at {{time}} NOT NULL,
		detected_at {{time}} NOT NULL,
		resolved {{bool}} NOT NULL,
		resolution_action {{key}} NULL,
		resolution_notes {{text}} NULL,
		resolved_at {{time}} NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resolutions (
		id {{key}} PRIMARY KEY,
		conflict_id {{key}} NOT NULL,
		request_id {{key}} NOT NULL,
		seq {{int}} NOT NULL,
		action {{key}} NOT NULL,
		executed_by {{key}} NOT NULL,
		status {{key}} NOT NULL,
		customer_notified {{bool}} NOT NULL,
		customer_response {{text}} NULL,
		compensation_amount {{money}} NULL,
		alternative_item_id {{key}} NULL,
		notes {{text}} NULL,
		error {{text}} NULL,
		executed_at {{time}} NOT NULL,
		UNIQUE (conflict_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id {{key}} PRIMARY KEY,
		request_id {{key}} NOT NULL,
		conflict_id {{key}} NULL,
		customer_id {{key}} NOT NULL,
		kind {{key}} NOT NULL,
		channel {{key}} NOT NULL,
		status {{key}} NOT NULL,
		payload {{text}} NOT NULL,
		response_required {{bool}} NOT NULL,
		response_deadline {{time}} NULL,
		response {{text}} NULL,
		responded_at {{time}} NULL,
		sent_at {{time}} NULL,
		delivered_at {{time}} NULL,
		read_at {{time}} NULL,
		created_at {{time}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id {{key}} PRIMARY KEY,
		request_id {{key}} NULL,
		position {{int}} NOT NULL,
		action {{key}} NOT NULL,
		actor_id {{key}} NOT NULL,
		actor_role {{key}} NOT NULL,
		from_status {{key}} NULL,
		to_status {{key}} NULL,
		detail {{text}} NULL,
		created_at {{time}} NOT NULL
	)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS; it relies on the primary and
// unique keys above.
var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_claims_item ON claims(item_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_item ON transitions(item_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_request ON conflicts(request_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_resolutions_request ON resolutions(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_request ON notifications(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_entries(request_id, position)`,
}

func columnTypes(d Dialect) *strings.Replacer {
	switch d {
	case DialectMySQL:
		return strings.NewReplacer(
			"{{key}}", "VARCHAR(64)",
			"{{text}}", "TEXT",
			"{{time}}", "DATETIME(6)",
			"{{bool}}", "BOOLEAN",
			"{{int}}", "BIGINT",
			"{{money}}", "VARCHAR(40)",
		)
	case DialectPostgres:
		return strings.NewReplacer(
			"{{key}}", "TEXT",
			"{{text}}", "TEXT",
			"{{time}}", "TIMESTAMPTZ",
			"{{bool}}", "BOOLEAN",
			"{{int}}", "BIGINT",
			"{{money}}", "TEXT",
		)
	default:
		return strings.NewReplacer(
			"{{key}}", "TEXT",
			"{{text}}", "TEXT",
			"{{time}}", "DATETIME",
			"{{bool}}", "BOOLEAN",
			"{{int}}", "INTEGER",
			"{{money}}", "TEXT",
		)
	}
}

func schemaStatements(d Dialect) []string {
	r := columnTypes(d)
	stmts := make([]string, 0, len(schemaTables)+len(schemaIndexes))
	for _, t := range schemaTables {
		stmts = append(stmts, r.Replace(t))
	}
	if d != DialectMySQL {
		stmts = append(stmts, schemaIndexes...)
	}
	return stmts
}
