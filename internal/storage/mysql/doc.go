// Package mysql holds the shared MySQL plumbing used by the ledger, audit and
// workflow task stores: connection pooling and the embedded schema
// migrations under deploy/migrations.
package mysql
