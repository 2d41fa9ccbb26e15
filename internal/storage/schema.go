package storage

// schemaStatements realizes the five tables named in the external-interfaces
// design as SQLite DDL. Applied idempotently at startup; this is the only
// migration mechanism the supervisor needs at this scale (no prior
// flat-file or external schema to migrate from).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		user_id            TEXT NOT NULL,
		local_id           TEXT NOT NULL,
		broker_order_id    TEXT,
		symbol             TEXT NOT NULL,
		ticker             TEXT,
		side               TEXT NOT NULL,
		order_type         TEXT NOT NULL,
		variety            TEXT NOT NULL,
		quantity           REAL NOT NULL,
		price              REAL,
		status             TEXT NOT NULL,
		reason             TEXT,
		retry_count        INTEGER NOT NULL DEFAULT 0,
		first_failed_at    TEXT,
		last_retry_attempt TEXT,
		last_status_check  TEXT,
		execution_price    REAL,
		execution_qty      REAL,
		execution_time     TEXT,
		is_manual          INTEGER NOT NULL DEFAULT 0,
		source_order_id    TEXT,
		original_price     REAL,
		original_quantity  REAL,
		placed_at          TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		PRIMARY KEY (user_id, local_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_broker_id ON orders(user_id, broker_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_symbol_side ON orders(user_id, symbol, side)`,

	`CREATE TABLE IF NOT EXISTS positions (
		user_id    TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		quantity   REAL NOT NULL,
		avg_price  REAL NOT NULL,
		opened_at  TEXT NOT NULL,
		closed_at  TEXT,
		PRIMARY KEY (user_id, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS tracking_scope (
		user_id               TEXT NOT NULL,
		symbol                TEXT NOT NULL,
		system_qty            REAL NOT NULL DEFAULT 0,
		pre_existing_qty      REAL NOT NULL DEFAULT 0,
		current_tracked_qty   REAL NOT NULL DEFAULT 0,
		tracking_status       TEXT NOT NULL,
		initial_order_id      TEXT,
		related_order_ids     TEXT NOT NULL DEFAULT '[]',
		recommendation_source TEXT,
		PRIMARY KEY (user_id, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS schedules (
		task_name     TEXT PRIMARY KEY,
		schedule_time TEXT NOT NULL,
		enabled       INTEGER NOT NULL DEFAULT 1,
		is_hourly     INTEGER NOT NULL DEFAULT 0,
		is_continuous INTEGER NOT NULL DEFAULT 0,
		end_time      TEXT,
		updated_by    TEXT,
		updated_at    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS service_status (
		user_id           TEXT NOT NULL,
		task_name         TEXT NOT NULL,
		mode              TEXT NOT NULL,
		state             TEXT NOT NULL,
		is_running        INTEGER NOT NULL DEFAULT 0,
		started_at        TEXT,
		last_execution_at TEXT,
		next_execution_at TEXT,
		last_error        TEXT,
		process_handle    TEXT,
		PRIMARY KEY (user_id, task_name)
	)`,
}
