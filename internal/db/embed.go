package db

import "embed"

// Migrations holds the SQL schema shipped with the server binary.
//
//go:embed migrations/*.sql
var Migrations embed.FS
