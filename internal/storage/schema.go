package storage

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS room_changes (
	seq          BIGSERIAL PRIMARY KEY,
	room_id      TEXT NOT NULL,
	element_id   TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	version      INTEGER NOT NULL,
	change_type  TEXT NOT NULL,
	element_type TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS room_changes_room_seq ON room_changes (room_id, seq);

CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id      TEXT NOT NULL,
	object_path  TEXT NOT NULL,
	change_count INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, object_path)
);
`
