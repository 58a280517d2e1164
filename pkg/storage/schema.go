package storage

// Tables of the messaging datastore schema.
const (
	TableKeyValue                   = "key_value"
	TableThread                     = "thread"
	TableInteraction                = "interaction"
	TableReaction                   = "reaction"
	TableMention                    = "mention"
	TableAttachment                 = "attachment"
	TableRecipient                  = "recipient"
	TableRecipientIdentity          = "recipient_identity"
	TableUserProfile                = "user_profile"
	TableSignalAccount              = "signal_account"
	TableGroupMember                = "group_member"
	TableStoryMessage               = "story_message"
	TablePayment                    = "payment"
	TableThreadAssociatedData       = "thread_associated_data"
	TableDonationReceipt            = "donation_receipt"
	TableDevice                     = "device"
	TableDisappearingMessagesConfig = "disappearing_messages_config"
	TableJobRecord                  = "job_record"
	TableMessageSendLog             = "message_send_log"
	TableMediaGalleryItem           = "media_gallery_item"

	TableInteractionFTS = "interaction_fts"
	TableRecipientFTS   = "recipient_name_fts"
)

// DefaultMigrations returns the migration catalog of the messaging
// datastore, oldest first.
func DefaultMigrations() []Migration {
	return []Migration{
		{
			ID:          "create_initial_schema",
			Kind:        SchemaMigration,
			Description: "Key-value store, threads, interactions and recipients",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS key_value (
					collection TEXT NOT NULL,
					key TEXT NOT NULL,
					value BLOB NOT NULL,
					PRIMARY KEY (collection, key)
				)`,
				`CREATE TABLE IF NOT EXISTS thread (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					thread_type INTEGER NOT NULL DEFAULT 0,
					contact_address TEXT,
					group_id BLOB,
					is_archived INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER
				)`,
				`CREATE TABLE IF NOT EXISTS interaction (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					thread_unique_id TEXT NOT NULL,
					author_address TEXT,
					body TEXT,
					sent_at INTEGER NOT NULL DEFAULT 0,
					received_at INTEGER,
					is_read INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX IF NOT EXISTS idx_interaction_thread ON interaction(thread_unique_id, id)`,
				`CREATE TABLE IF NOT EXISTS reaction (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					message_unique_id TEXT NOT NULL,
					reactor_address TEXT NOT NULL,
					emoji TEXT NOT NULL,
					sent_at INTEGER NOT NULL DEFAULT 0,
					UNIQUE (message_unique_id, reactor_address)
				)`,
				`CREATE TABLE IF NOT EXISTS mention (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					message_unique_id TEXT NOT NULL,
					thread_unique_id TEXT NOT NULL,
					mentioned_address TEXT NOT NULL,
					UNIQUE (message_unique_id, mentioned_address)
				)`,
				`CREATE TABLE IF NOT EXISTS attachment (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					message_unique_id TEXT,
					content_type TEXT NOT NULL,
					byte_count INTEGER NOT NULL DEFAULT 0,
					local_path TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS recipient (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					service_id TEXT UNIQUE,
					phone_number TEXT UNIQUE,
					devices BLOB
				)`,
				`CREATE TABLE IF NOT EXISTS recipient_identity (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					identity_key BLOB NOT NULL,
					verification_state INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS user_profile (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					address TEXT,
					given_name TEXT,
					family_name TEXT,
					avatar_url_path TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS signal_account (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					recipient_phone_number TEXT,
					contact_name TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS group_member (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					group_thread_id TEXT NOT NULL,
					member_address TEXT NOT NULL,
					last_interaction_at INTEGER NOT NULL DEFAULT 0,
					UNIQUE (group_thread_id, member_address)
				)`,
				`CREATE TABLE IF NOT EXISTS device (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					device_id INTEGER NOT NULL UNIQUE,
					name TEXT,
					created_at INTEGER NOT NULL DEFAULT 0,
					last_seen_at INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS disappearing_messages_config (
					thread_unique_id TEXT PRIMARY KEY NOT NULL,
					is_enabled INTEGER NOT NULL DEFAULT 0,
					duration_seconds INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS job_record (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					label TEXT NOT NULL,
					payload BLOB,
					failure_count INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS message_send_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					recipient_address TEXT NOT NULL,
					sent_at INTEGER NOT NULL,
					payload BLOB
				)`,
			},
		},
		{
			ID:          "create_search_indexes",
			Kind:        SchemaMigration,
			Description: "Full-text search over message bodies and recipient names",
			Up: []string{
				`CREATE VIRTUAL TABLE IF NOT EXISTS interaction_fts USING fts4(body)`,
				`CREATE VIRTUAL TABLE IF NOT EXISTS recipient_name_fts USING fts4(address, full_name)`,
				`CREATE TABLE IF NOT EXISTS media_gallery_item (
					attachment_id INTEGER PRIMARY KEY NOT NULL,
					thread_unique_id TEXT NOT NULL,
					message_unique_id TEXT NOT NULL,
					received_at INTEGER NOT NULL DEFAULT 0
				)`,
			},
		},
		{
			ID:          "seed_local_settings",
			Kind:        DataMigration,
			Description: "Default local settings",
			Up: []string{
				`INSERT OR IGNORE INTO key_value (collection, key, value) VALUES ('local_settings', 'schema_seeded', x'01')`,
			},
		},
		{
			ID:          "add_stories_and_payments",
			Kind:        SchemaMigration,
			Description: "Story messages, payments, receipts and per-thread data",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS story_message (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					author_address TEXT NOT NULL,
					sent_at INTEGER NOT NULL DEFAULT 0,
					body TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS payment (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					unique_id TEXT NOT NULL UNIQUE,
					amount_picomob INTEGER NOT NULL DEFAULT 0,
					memo TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS thread_associated_data (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					thread_unique_id TEXT NOT NULL UNIQUE,
					is_marked_unread INTEGER NOT NULL DEFAULT 0,
					muted_until INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS donation_receipt (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					receipt_type INTEGER NOT NULL DEFAULT 0,
					issued_at INTEGER NOT NULL DEFAULT 0,
					amount TEXT NOT NULL,
					currency_code TEXT NOT NULL
				)`,
			},
		},
		{
			ID:          "add_interaction_edit_state",
			Kind:        SchemaMigration,
			Description: "Track edited messages",
			Up: []string{
				`ALTER TABLE interaction ADD COLUMN edit_state INTEGER NOT NULL DEFAULT 0`,
			},
		},
	}
}
