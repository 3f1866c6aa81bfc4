package database

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Accounts table
			CREATE TABLE accounts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label TEXT NOT NULL,
				email_address TEXT NOT NULL,
				provider_kind TEXT NOT NULL DEFAULT 'classic_imap',

				-- IMAP endpoint
				imap_host TEXT NOT NULL,
				imap_port INTEGER NOT NULL DEFAULT 993,
				imap_tls INTEGER NOT NULL DEFAULT 1,
				imap_username TEXT NOT NULL,

				-- Authentication
				auth_kind TEXT NOT NULL DEFAULT 'password',
				secret_ref TEXT NOT NULL,
				oauth_provider TEXT,
				oauth_scopes TEXT,

				mailbox_selection_mode TEXT NOT NULL DEFAULT 'auto',

				-- Timestamps
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				disabled INTEGER NOT NULL DEFAULT 0
			);

			-- Mailboxes table
			CREATE TABLE mailboxes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id INTEGER NOT NULL REFERENCES accounts(id),
				imap_name TEXT NOT NULL,
				delimiter TEXT,
				attributes TEXT,
				sync_enabled INTEGER NOT NULL DEFAULT 1,
				hard_excluded INTEGER NOT NULL DEFAULT 0,

				-- Resume cursor
				uidvalidity INTEGER,
				last_seen_uid INTEGER NOT NULL DEFAULT 0,
				last_sync_at TEXT,
				last_error TEXT,

				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,

				UNIQUE(account_id, imap_name)
			);

			CREATE INDEX idx_mailboxes_account ON mailboxes(account_id);

			-- Content-addressed message store
			CREATE TABLE message_blobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sha256 TEXT NOT NULL UNIQUE,
				stored_encoding TEXT NOT NULL,
				raw_mime BLOB NOT NULL,
				raw_mime_size_bytes INTEGER NOT NULL,
				stored_size_bytes INTEGER NOT NULL,

				-- Extracted metadata for listing and search
				message_id TEXT,
				date_header TEXT,
				from_address TEXT,
				to_addresses TEXT,
				cc_addresses TEXT,
				subject TEXT,
				body_text TEXT,

				imported_at TEXT NOT NULL
			);

			-- Placements of blobs on the server
			CREATE TABLE message_locations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_blob_id INTEGER NOT NULL REFERENCES message_blobs(id),
				account_id INTEGER NOT NULL REFERENCES accounts(id),
				mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id),
				uidvalidity INTEGER NOT NULL,
				uid INTEGER NOT NULL,
				internal_date TEXT,
				flags TEXT,

				-- Reserved for non-IMAP providers
				provider_message_id TEXT,
				provider_thread_id TEXT,
				provider_labels TEXT,
				provider_meta_json TEXT,

				first_seen_at TEXT NOT NULL,
				last_seen_at TEXT NOT NULL,
				gone_from_server_at TEXT,

				UNIQUE(mailbox_id, uidvalidity, uid)
			);

			CREATE INDEX idx_message_locations_blob ON message_locations(message_blob_id);
			CREATE INDEX idx_message_locations_account ON message_locations(account_id);

			-- Hash-chained audit log
			CREATE TABLE events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TEXT NOT NULL,
				kind TEXT NOT NULL,
				account_id INTEGER REFERENCES accounts(id),
				mailbox_id INTEGER REFERENCES mailboxes(id),
				message_blob_id INTEGER REFERENCES message_blobs(id),
				detail TEXT,
				prev_hash TEXT NOT NULL,
				hash TEXT NOT NULL UNIQUE
			);

			CREATE INDEX idx_events_kind ON events(kind, id);

			-- Full-text search over blob metadata
			CREATE VIRTUAL TABLE messages_fts USING fts5(
				subject,
				body_text,
				from_address,
				to_addresses,
				cc_addresses,
				content='message_blobs',
				content_rowid='id'
			);

			CREATE TRIGGER message_blobs_ai AFTER INSERT ON message_blobs BEGIN
				INSERT INTO messages_fts(rowid, subject, body_text, from_address, to_addresses, cc_addresses)
				VALUES (new.id, new.subject, new.body_text, new.from_address, new.to_addresses, new.cc_addresses);
			END;
		`,
	},
	{
		Version: 2,
		SQL: `
			-- Block casual deletion of archived data directly in the database.
			-- The triggers RAISE(ABORT) on any DELETE. An attacker can drop
			-- them first, but that raises the bar beyond a plain DELETE FROM
			-- and the next integrity check still detects the missing rows.
			CREATE TRIGGER prevent_delete_message_blobs
			BEFORE DELETE ON message_blobs
			BEGIN
				SELECT RAISE(ABORT, 'Deleting archived email blobs is not permitted.');
			END;

			CREATE TRIGGER prevent_delete_events
			BEFORE DELETE ON events
			BEGIN
				SELECT RAISE(ABORT, 'Deleting events from the audit log is not permitted.');
			END;
		`,
	},
}
