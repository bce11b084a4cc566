package sqlite

// Schema defines the relational tables for sessiond.
//
// sessions is the source of truth for session existence and version.
// audit_log is append-only; records chain integrity hashes so tampering with
// any historical row invalidates every row after it.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id       TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    project_path     TEXT NOT NULL,
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL,
    version          INTEGER NOT NULL DEFAULT 1,
    status           TEXT NOT NULL DEFAULT 'active',
    priority         TEXT,
    efficiency_score REAL NOT NULL DEFAULT 0,
    summary          TEXT,
    snapshot_count   INTEGER NOT NULL DEFAULT 0,
    has_embedding    INTEGER NOT NULL DEFAULT 0,
    key_id           TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    event_type  TEXT NOT NULL,
    actor       TEXT NOT NULL,
    resource    TEXT,
    details     TEXT,
    created_at  TIMESTAMP NOT NULL,
    integrity   TEXT NOT NULL,
    prev_hash   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor);
`
