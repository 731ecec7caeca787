package storage

// schemaStatements mirrors: relational schema entities with
// singular primary keys, foreign keys with ON DELETE CASCADE for tombstone
// cascades, ON DELETE RESTRICT for PatternRule referenced by Findings, and
// the minimum index set.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		team_id TEXT,
		title TEXT NOT NULL,
		source_url TEXT,
		document_type TEXT NOT NULL,
		content_fingerprint TEXT NOT NULL,
		content_length INTEGER NOT NULL,
		language TEXT NOT NULL,
		monitoring_enabled INTEGER NOT NULL DEFAULT 0,
		monitor_interval_seconds INTEGER,
		last_monitored_at TIMESTAMP,
		next_monitor_at TIMESTAMP,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_owner_fingerprint_live
		ON documents(owner_id, content_fingerprint) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_next_monitor
		ON documents(monitoring_enabled, next_monitor_at) WHERE monitoring_enabled = 1`,

	`CREATE TABLE IF NOT EXISTS document_versions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		version_seq INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		captured_at TIMESTAMP NOT NULL,
		detected_change_kind TEXT NOT NULL,
		change_summary TEXT NOT NULL DEFAULT '',
		significant_changes TEXT NOT NULL DEFAULT '[]',
		risk_delta INTEGER NOT NULL DEFAULT 0,
		UNIQUE(document_id, version_seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_versions_document ON document_versions(document_id)`,

	`CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		document_version_id TEXT NOT NULL REFERENCES document_versions(id) ON DELETE CASCADE,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		overall_risk_score INTEGER,
		model_id TEXT NOT NULL DEFAULT '',
		model_version TEXT NOT NULL DEFAULT '',
		processing_ms INTEGER NOT NULL DEFAULT 0,
		executive_summary TEXT NOT NULL DEFAULT '',
		key_findings TEXT NOT NULL DEFAULT '[]',
		recommendations TEXT NOT NULL DEFAULT '[]',
		attempt INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		expires_at TIMESTAMP,
		error_kind TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_analyses_version_nonterminal
		ON analyses(document_version_id) WHERE status IN ('pending','processing')`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_expires_at ON analyses(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analyses_document ON analyses(document_id)`,

	`CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		analysis_id TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		confidence REAL NOT NULL,
		pattern_id TEXT REFERENCES pattern_rules(id) ON DELETE RESTRICT,
		excerpt TEXT NOT NULL,
		position_start INTEGER NOT NULL,
		position_end INTEGER NOT NULL,
		recommendation TEXT NOT NULL DEFAULT '',
		impact TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_analysis ON findings(analysis_id)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_pattern ON findings(pattern_id)`,

	`CREATE TABLE IF NOT EXISTS pattern_rules (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		legal_basis TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		regex TEXT,
		embedding_id TEXT,
		jurisdictions TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		UNIQUE(name, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pattern_rules_active ON pattern_rules(active)`,

	`CREATE TABLE IF NOT EXISTS compliance_alerts (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		pattern_id TEXT REFERENCES pattern_rules(id) ON DELETE RESTRICT,
		severity TEXT NOT NULL,
		detected_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		evidence TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_alerts_document ON compliance_alerts(document_id)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_alerts_status ON compliance_alerts(status)`,

	`CREATE TABLE IF NOT EXISTS jurisdiction_rules (
		id TEXT PRIMARY KEY,
		jurisdiction TEXT NOT NULL,
		required_category_coverage TEXT NOT NULL DEFAULT '[]',
		forbidden_patterns TEXT NOT NULL DEFAULT '[]',
		severity_floor TEXT NOT NULL,
		window_seconds INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS compliance_markers (
		analysis_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (analysis_id, rule_id)
	)`,

	`CREATE TABLE IF NOT EXISTS monitor_jobs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		scheduled_at TIMESTAMP NOT NULL,
		dispatched_at TIMESTAMP,
		completed_at TIMESTAMP,
		state TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		last_error_kind TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_monitor_jobs_active
		ON monitor_jobs(document_id) WHERE state IN ('scheduled','running')`,

	`CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		actor TEXT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		before TEXT,
		after TEXT,
		correlation_id TEXT NOT NULL DEFAULT '',
		at TIMESTAMP NOT NULL,
		anonymized INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_resource ON audit_records(resource_type, resource_id, at)`,

	`CREATE TABLE IF NOT EXISTS crawl_targets (
		url TEXT PRIMARY KEY,
		document_type TEXT NOT NULL,
		cadence_seconds INTEGER NOT NULL,
		selector_hints TEXT NOT NULL DEFAULT '[]',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		quarantined INTEGER NOT NULL DEFAULT 0,
		last_fetch_at TIMESTAMP
	)`,
}
