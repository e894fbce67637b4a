package db

import "embed"

// MigrationsFS embeds the schema migrations so both the server (auto-migrate
// at startup) and rolo-admin (explicit migrate command) run the same files.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
