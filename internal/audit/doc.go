// Package audit persists one record per query describing how it ended
// (completed, rejected, retrieval or synthesis failure), using GORM over
// the connection pool from internal/database.
package audit
