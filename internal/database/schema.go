package database

import _ "embed"

// Schema is the full database schema, generated from the migrations.
// Tests apply it directly to in-memory databases.
//
//go:embed schema.sql
var Schema string
