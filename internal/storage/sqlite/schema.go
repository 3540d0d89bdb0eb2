package sqlite

// schemaVersion is bumped when the layout below changes incompatibly.
const schemaVersion = "1"

const schema = `
-- Work items
CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    parent_id TEXT REFERENCES items(id) ON DELETE CASCADE,
    depth INTEGER NOT NULL DEFAULT 0 CHECK(depth >= 0 AND depth <= 3),
    title TEXT NOT NULL CHECK(length(title) <= 500),
    summary TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'queue',
    previous_role TEXT NOT NULL DEFAULT '',
    status_label TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'medium',
    complexity INTEGER CHECK(complexity IS NULL OR (complexity >= 1 AND complexity <= 10)),
    requires_verification INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    role_changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_parent ON items(parent_id);
CREATE INDEX IF NOT EXISTS idx_items_role ON items(role);
CREATE INDEX IF NOT EXISTS idx_items_modified ON items(modified_at);

-- Ordered tags per item
CREATE TABLE IF NOT EXISTS item_tags (
    item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    tag TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (item_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_item_tags_tag ON item_tags(tag);

-- Keyed notes, one per (item, key)
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    key TEXT NOT NULL,
    role TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (item_id, key)
);

CREATE INDEX IF NOT EXISTS idx_notes_item ON notes(item_id);

-- Typed directed edges
CREATE TABLE IF NOT EXISTS dependencies (
    id TEXT PRIMARY KEY,
    from_item TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    to_item TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    type TEXT NOT NULL DEFAULT 'blocks',
    unblock_at TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (from_item, to_item, type),
    CHECK (from_item != to_item)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_from ON dependencies(from_item);
CREATE INDEX IF NOT EXISTS idx_dependencies_to ON dependencies(to_item);

-- Append-only role transition log
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    previous_role TEXT NOT NULL,
    new_role TEXT NOT NULL,
    previous_status TEXT NOT NULL DEFAULT '',
    new_status TEXT NOT NULL DEFAULT '',
    trigger_name TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transitions_item ON transitions(item_id, at);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);

-- Store metadata
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1');
`
