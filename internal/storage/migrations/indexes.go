package migrations

// indexMigrations create the secondary indexes the grouping and uniqueness
// queries rely on. The SQL is valid for both SQLite and PostgreSQL.
var indexMigrations = []Migration{
	{
		Version:     1,
		Description: "unique material_id on records",
		Up:          `CREATE UNIQUE INDEX IF NOT EXISTS idx_records_material_id ON records(material_id) WHERE material_id <> ''`,
		Down:        `DROP INDEX IF EXISTS idx_records_material_id`,
	},
	{
		Version:     2,
		Description: "index deprecated flag",
		Up:          `CREATE INDEX IF NOT EXISTS idx_records_deprecated ON records(deprecated)`,
		Down:        `DROP INDEX IF EXISTS idx_records_deprecated`,
	},
	{
		Version:     3,
		Description: "index task and formula for grouping",
		Up:          `CREATE INDEX IF NOT EXISTS idx_records_task_formula ON records(task, formula, seq)`,
		Down:        `DROP INDEX IF EXISTS idx_records_task_formula`,
	},
	{
		Version:     4,
		Description: "index last update time for incremental runs",
		Up:          `CREATE INDEX IF NOT EXISTS idx_records_last_updated ON records(last_updated_utc)`,
		Down:        `DROP INDEX IF EXISTS idx_records_last_updated`,
	},
	{
		Version:     5,
		Description: "index unique collection by version",
		Up:          `CREATE INDEX IF NOT EXISTS idx_unique_version ON unique_structures(version)`,
		Down:        `DROP INDEX IF EXISTS idx_unique_version`,
	},
}
