package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// sqliteDDL bootstraps the SQLite schema. Statements are idempotent.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS schemas (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	definition  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schemas_tenant ON schemas(tenant_id);

CREATE TABLE IF NOT EXISTS schema_versions (
	id                      TEXT PRIMARY KEY,
	tenant_id               TEXT NOT NULL,
	queue_id                TEXT NOT NULL,
	version                 INTEGER NOT NULL,
	definition              TEXT NOT NULL,
	transform_from_previous TEXT NOT NULL DEFAULT '',
	frozen_at               TEXT,
	label_count             INTEGER NOT NULL DEFAULT 0,
	created_at              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_versions_tenant_queue ON schema_versions(tenant_id, queue_id);

CREATE TABLE IF NOT EXISTS queues (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	name              TEXT NOT NULL,
	schema_version_id TEXT NOT NULL DEFAULT '',
	policy            TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL,
	labels_per_sample INTEGER NOT NULL DEFAULT 1,
	timeout_seconds   INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS sample_refs (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	queue_id   TEXT NOT NULL,
	sample_id  TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_tenant_queue ON sample_refs(tenant_id, queue_id);

CREATE TABLE IF NOT EXISTS labelers (
	id                         TEXT PRIMARY KEY,
	tenant_id                  TEXT NOT NULL,
	external_id                TEXT NOT NULL,
	pseudonym                  TEXT NOT NULL DEFAULT '',
	expertise                  TEXT NOT NULL DEFAULT '{}',
	blocked_queues             TEXT NOT NULL DEFAULT '[]',
	max_concurrent_assignments INTEGER NOT NULL DEFAULT 0,
	created_at                 TEXT NOT NULL,
	UNIQUE (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS assignments (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	queue_id            TEXT NOT NULL,
	sample_id           TEXT NOT NULL,
	labeler_id          TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	reserved_at         TEXT,
	deadline            TEXT,
	timeout_seconds     INTEGER NOT NULL DEFAULT 0,
	requeue_attempts    INTEGER NOT NULL DEFAULT 0,
	requeue_delay_until TEXT,
	skip_reason         TEXT NOT NULL DEFAULT '',
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_tenant_queue ON assignments(tenant_id, queue_id);
CREATE INDEX IF NOT EXISTS idx_assignments_deadline ON assignments(status, deadline);

CREATE TABLE IF NOT EXISTS labels (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	assignment_id     TEXT NOT NULL,
	queue_id          TEXT NOT NULL,
	sample_id         TEXT NOT NULL,
	labeler_id        TEXT NOT NULL,
	schema_version_id TEXT NOT NULL,
	payload           TEXT NOT NULL DEFAULT '{}',
	blob_ref          TEXT NOT NULL DEFAULT '',
	submitted_at      TEXT NOT NULL,
	deleted_at        TEXT,
	UNIQUE (assignment_id, labeler_id)
);
CREATE INDEX IF NOT EXISTS idx_labels_tenant_queue ON labels(tenant_id, queue_id);
CREATE INDEX IF NOT EXISTS idx_labels_sample ON labels(tenant_id, sample_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(tenant_id, entity_id);
`

// mysqlDDL mirrors sqliteDDL with MySQL column types. VARCHAR lengths are
// generous for prefixed random ids; free-form values use TEXT.
const mysqlDDL = `
CREATE TABLE IF NOT EXISTS schemas (
	id          VARCHAR(64) PRIMARY KEY,
	tenant_id   VARCHAR(64) NOT NULL,
	name        VARCHAR(255) NOT NULL,
	definition  MEDIUMTEXT NOT NULL,
	created_at  VARCHAR(40) NOT NULL,
	updated_at  VARCHAR(40) NOT NULL,
	INDEX idx_schemas_tenant (tenant_id)
);

CREATE TABLE IF NOT EXISTS schema_versions (
	id                      VARCHAR(64) PRIMARY KEY,
	tenant_id               VARCHAR(64) NOT NULL,
	queue_id                VARCHAR(64) NOT NULL,
	version                 INT NOT NULL,
	definition              MEDIUMTEXT NOT NULL,
	transform_from_previous VARCHAR(255) NOT NULL DEFAULT '',
	frozen_at               VARCHAR(40),
	label_count             INT NOT NULL DEFAULT 0,
	created_at              VARCHAR(40) NOT NULL,
	INDEX idx_versions_tenant_queue (tenant_id, queue_id)
);

CREATE TABLE IF NOT EXISTS queues (
	id                VARCHAR(64) PRIMARY KEY,
	tenant_id         VARCHAR(64) NOT NULL,
	name              VARCHAR(255) NOT NULL,
	schema_version_id VARCHAR(64) NOT NULL DEFAULT '',
	policy            TEXT NOT NULL,
	status            VARCHAR(16) NOT NULL,
	labels_per_sample INT NOT NULL DEFAULT 1,
	timeout_seconds   INT NOT NULL DEFAULT 0,
	created_at        VARCHAR(40) NOT NULL,
	updated_at        VARCHAR(40) NOT NULL,
	UNIQUE KEY uq_queues_tenant_name (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS sample_refs (
	id         VARCHAR(64) PRIMARY KEY,
	tenant_id  VARCHAR(64) NOT NULL,
	queue_id   VARCHAR(64) NOT NULL,
	sample_id  VARCHAR(255) NOT NULL,
	metadata   TEXT NOT NULL,
	created_at VARCHAR(40) NOT NULL,
	INDEX idx_samples_tenant_queue (tenant_id, queue_id)
);

CREATE TABLE IF NOT EXISTS labelers (
	id                         VARCHAR(64) PRIMARY KEY,
	tenant_id                  VARCHAR(64) NOT NULL,
	external_id                VARCHAR(255) NOT NULL,
	pseudonym                  VARCHAR(64) NOT NULL DEFAULT '',
	expertise                  TEXT NOT NULL,
	blocked_queues             TEXT NOT NULL,
	max_concurrent_assignments INT NOT NULL DEFAULT 0,
	created_at                 VARCHAR(40) NOT NULL,
	UNIQUE KEY uq_labelers_tenant_external (tenant_id, external_id)
);

CREATE TABLE IF NOT EXISTS assignments (
	id                  VARCHAR(64) PRIMARY KEY,
	tenant_id           VARCHAR(64) NOT NULL,
	queue_id            VARCHAR(64) NOT NULL,
	sample_id           VARCHAR(255) NOT NULL,
	labeler_id          VARCHAR(64) NOT NULL DEFAULT '',
	status              VARCHAR(16) NOT NULL,
	reserved_at         VARCHAR(40),
	deadline            VARCHAR(40),
	timeout_seconds     INT NOT NULL DEFAULT 0,
	requeue_attempts    INT NOT NULL DEFAULT 0,
	requeue_delay_until VARCHAR(40),
	skip_reason         VARCHAR(255) NOT NULL DEFAULT '',
	version             INT NOT NULL DEFAULT 1,
	created_at          VARCHAR(40) NOT NULL,
	updated_at          VARCHAR(40) NOT NULL,
	INDEX idx_assignments_tenant_queue (tenant_id, queue_id),
	INDEX idx_assignments_deadline (status, deadline)
);

CREATE TABLE IF NOT EXISTS labels (
	id                VARCHAR(64) PRIMARY KEY,
	tenant_id         VARCHAR(64) NOT NULL,
	assignment_id     VARCHAR(64) NOT NULL,
	queue_id          VARCHAR(64) NOT NULL,
	sample_id         VARCHAR(255) NOT NULL,
	labeler_id        VARCHAR(64) NOT NULL,
	schema_version_id VARCHAR(64) NOT NULL,
	payload           MEDIUMTEXT NOT NULL,
	blob_ref          VARCHAR(255) NOT NULL DEFAULT '',
	submitted_at      VARCHAR(40) NOT NULL,
	deleted_at        VARCHAR(40),
	UNIQUE KEY uq_labels_assignment_labeler (assignment_id, labeler_id),
	INDEX idx_labels_tenant_queue (tenant_id, queue_id),
	INDEX idx_labels_sample (tenant_id, sample_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGINT AUTO_INCREMENT PRIMARY KEY,
	tenant_id   VARCHAR(64) NOT NULL,
	entity_type VARCHAR(32) NOT NULL,
	entity_id   VARCHAR(64) NOT NULL,
	action      VARCHAR(16) NOT NULL,
	actor       VARCHAR(255) NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL,
	occurred_at VARCHAR(40) NOT NULL,
	INDEX idx_audit_entity (tenant_id, entity_id)
);
`

// bootstrap creates all tables. MySQL cannot run multiple statements in
// one Exec by default, so statements run one at a time for both dialects.
func bootstrap(db *sql.DB, dialect string) error {
	ddl := sqliteDDL
	if dialect == "mysql" {
		ddl = mysqlDDL
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
