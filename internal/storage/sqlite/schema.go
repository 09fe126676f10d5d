package sqlite

const schema = `
-- Raw structure records
CREATE TABLE IF NOT EXISTS records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    material_id TEXT NOT NULL DEFAULT '',
    source_name TEXT,
    source_index INTEGER,
    task TEXT NOT NULL,
    formula TEXT NOT NULL,
    enthalpy_per_atom REAL NOT NULL,
    symmetry_number_coarse INTEGER NOT NULL CHECK(symmetry_number_coarse >= 1 AND symmetry_number_coarse <= 230),
    pressure REAL,
    natoms INTEGER NOT NULL DEFAULT 0,
    deprecated INTEGER NOT NULL DEFAULT 0,
    deprecated_reason TEXT NOT NULL DEFAULT '',
    last_updated_utc TEXT NOT NULL,
    geometry BLOB
);

-- Unique collection: references to raw records, never geometry
CREATE TABLE IF NOT EXISTS unique_structures (
    id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
`
