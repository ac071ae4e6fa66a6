package notify

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	recipient    TEXT NOT NULL,
	type         TEXT NOT NULL,
	thread_id    TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL DEFAULT '',
	read         INTEGER NOT NULL DEFAULT 0,
	created_ts   INTEGER NOT NULL,
	delivered_ts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
	ON notifications(recipient, created_ts);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_read
	ON notifications(recipient, read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
