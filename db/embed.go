// Package db embeds the discount engine schema.
package db

import _ "embed"

// Schema creates every discount table and index. All statements are
// idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
