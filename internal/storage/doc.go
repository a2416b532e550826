// Package storage persists links, live state, guild settings and poll
// bookkeeping in SQL.
//
// One implementation (SQLStore) serves both sqlite (modernc.org/sqlite) and
// postgres (github.com/lib/pq). Queries are written with '?' placeholders and
// rebound per dialect.
package storage
