package repository

import "strings"

// Schema definitions for the fds database.
// Compatible with both SQLite and PostgreSQL; {{SERIAL}} is replaced per driver.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    rule_id TEXT PRIMARY KEY,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL DEFAULT 'BLOCK',
    target TEXT NOT NULL DEFAULT 'order',
    register_blocklist INTEGER NOT NULL DEFAULT 0,
    register_targets TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    order_country TEXT NOT NULL DEFAULT '',
    total_price TEXT NOT NULL,
    currency TEXT NOT NULL,
    order_status TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_device ON orders(device_id, created_at);

CREATE TABLE IF NOT EXISTS order_items (
    order_id TEXT NOT NULL,
    line_no INTEGER NOT NULL,
    product_id TEXT NOT NULL,
    unit_price TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    PRIMARY KEY (order_id, line_no)
);
`

const schemaPurchases = `
CREATE TABLE IF NOT EXISTS purchases (
    purchase_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    method_type TEXT NOT NULL DEFAULT '',
    card_brand TEXT NOT NULL DEFAULT '',
    bin TEXT NOT NULL DEFAULT '',
    card_id TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    payment_country TEXT NOT NULL DEFAULT '',
    payment_status TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    price TEXT NOT NULL,
    currency TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchases_order ON purchases(order_id);
`

// schemaOutbox defines the outbox and the idempotency ledger.
// Dispatchers scan (shard_id, status, id); processed_events is unique per event.
// sent_at is stamped when a row moves to SENT and again each time its task is re-enqueued.
const schemaOutbox = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id {{SERIAL}},
    shard_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'READY',
    created_at TIMESTAMP NOT NULL,
    sent_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_shard_status ON outbox_events(shard_id, status, id);

CREATE TABLE IF NOT EXISTS processed_events (
    shard_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    processed_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_processed_event ON processed_events(shard_id, event_type, aggregate_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    outbox_id BIGINT NOT NULL,
    shard_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    last_error TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_shard ON dead_letters(shard_id, created_at);
`

const schemaBlocklists = `
CREATE TABLE IF NOT EXISTS user_blocks (
    user_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS device_blocks (
    device_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS card_blocks (
    card_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
`

const schemaDetectionLogs = `
CREATE TABLE IF NOT EXISTS detection_logs (
    id TEXT PRIMARY KEY,
    case_kind TEXT NOT NULL,
    case_id TEXT NOT NULL,
    decision TEXT NOT NULL,
    reasons TEXT NOT NULL,
    hits TEXT NOT NULL,
    source TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_logs_case ON detection_logs(case_kind, case_id, created_at);
`

// AllSchemas returns all schema statements in order for the given driver.
func AllSchemas(driver string) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	return []string{
		schemaRules,
		schemaOrders,
		schemaPurchases,
		strings.ReplaceAll(schemaOutbox, "{{SERIAL}}", serial),
		schemaBlocklists,
		schemaDetectionLogs,
	}
}
