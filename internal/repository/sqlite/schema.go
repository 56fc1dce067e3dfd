package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS access_requests (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	email       TEXT NOT NULL,
	email_key   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	access_type TEXT,
	expires_at  TEXT,
	created_at  TEXT NOT NULL,
	decided_at  TEXT,
	decided_by  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_access_requests_pending
	ON access_requests (email_key) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_access_requests_created
	ON access_requests (created_at);

CREATE TABLE IF NOT EXISTS authorized_users (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	email       TEXT NOT NULL,
	email_key   TEXT NOT NULL,
	access_type TEXT NOT NULL,
	expires_at  TEXT,
	approved_at TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_authorized_users_email
	ON authorized_users (email_key);
`

const requestColumns = `id, name, email, reason, status, access_type, expires_at, created_at, decided_at, decided_by`

const grantColumns = `id, name, email, access_type, expires_at, approved_at, request_id`

const (
	stmtInsertRequest = `INSERT INTO access_requests
		(id, name, email, email_key, reason, status, access_type, expires_at, created_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtGetRequest    = `SELECT ` + requestColumns + ` FROM access_requests WHERE id = ?`
	stmtFindPending   = `SELECT ` + requestColumns + ` FROM access_requests WHERE email_key = ? AND status = 'pending' ORDER BY created_at LIMIT 1`
	stmtListRequests  = `SELECT ` + requestColumns + ` FROM access_requests ORDER BY created_at`
	stmtListPending   = `SELECT ` + requestColumns + ` FROM access_requests WHERE status = 'pending' ORDER BY created_at`
	stmtCountPending  = `SELECT COUNT(*) FROM access_requests WHERE status = 'pending'`
	stmtDecideRequest = `UPDATE access_requests SET status = ?, access_type = ?, expires_at = ?, decided_at = ?, decided_by = ? WHERE id = ? AND status = 'pending'`
	stmtInsertGrant   = `INSERT INTO authorized_users (id, name, email, email_key, access_type, expires_at, approved_at, request_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmtGrantsByEmail = `SELECT ` + grantColumns + ` FROM authorized_users WHERE email_key = ? ORDER BY approved_at`
	stmtListGrants    = `SELECT ` + grantColumns + ` FROM authorized_users ORDER BY approved_at`
	stmtDeleteGrant   = `DELETE FROM authorized_users WHERE email_key = ? AND id = ?`
	stmtDeleteByEmail = `DELETE FROM authorized_users WHERE email_key = ?`
)
