package scylla

import (
	"fmt"
	"os"
)

func keyspaceStatement(keyspace string) string {
	return fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, keyspace)
}

// access_requests is the system of record. pending_requests indexes the
// undecided ones by email, partitioned into buckets, with one row per
// request so concurrent submissions for an email stay listed. authorized_users keeps
// every grant row of one email in one partition.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS access_requests (
		id text PRIMARY KEY,
		name text,
		email text,
		email_key text,
		reason text,
		status text,
		access_type text,
		expires_at timestamp,
		created_at timestamp,
		decided_at timestamp,
		decided_by text
	)`,
	`CREATE TABLE IF NOT EXISTS pending_requests (
		bucket int,
		email_key text,
		request_id text,
		created_at timestamp,
		PRIMARY KEY ((bucket), email_key, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS authorized_users (
		email_key text,
		id text,
		name text,
		email text,
		access_type text,
		expires_at timestamp,
		approved_at timestamp,
		request_id text,
		PRIMARY KEY ((email_key), id)
	)`,
}

const (
	requestColumns = `id, name, email, reason, status, access_type, expires_at, created_at, decided_at, decided_by`
	grantColumns   = `id, name, email, access_type, expires_at, approved_at, request_id`
)

// Statements used by AccessStore. gocql prepares and caches them per session.
var (
	stmtInsertRequest = `INSERT INTO access_requests (` + requestColumns + `, email_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	stmtGetRequest   = `SELECT ` + requestColumns + ` FROM access_requests WHERE id = ?`
	stmtListRequests = `SELECT ` + requestColumns + ` FROM access_requests`

	stmtDecideRequest = `UPDATE access_requests
		SET status = ?, access_type = ?, expires_at = ?, decided_at = ?, decided_by = ?
		WHERE id = ? IF status = ?`

	stmtInsertPending = `INSERT INTO pending_requests (bucket, email_key, request_id, created_at) VALUES (?, ?, ?, ?)`
	stmtGetPending    = `SELECT request_id FROM pending_requests WHERE bucket = ? AND email_key = ?`
	stmtListPending   = `SELECT request_id FROM pending_requests WHERE bucket = ?`
	stmtDeletePending = `DELETE FROM pending_requests WHERE bucket = ? AND email_key = ? AND request_id = ?`

	stmtInsertGrant         = `INSERT INTO authorized_users (email_key, ` + grantColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmtGetGrantsByEmail    = `SELECT ` + grantColumns + ` FROM authorized_users WHERE email_key = ?`
	stmtListGrants          = `SELECT ` + grantColumns + ` FROM authorized_users`
	stmtDeleteGrantIf       = `DELETE FROM authorized_users WHERE email_key = ? AND id = ? IF EXISTS`
	stmtDeleteGrantsByEmail = `DELETE FROM authorized_users WHERE email_key = ?`
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
