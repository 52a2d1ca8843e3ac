package database

import "database/sql"

// schema is the full DDL for the loyalty engine. Statements are idempotent so
// EnsureSchema can run on every start.
//
// The partial unique index on point_transactions enforces exactly-once
// crediting per source order; the unique index on coupons.code enforces
// global coupon code uniqueness.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS loyalty_accounts (
		id UUID PRIMARY KEY,
		customer_id TEXT NOT NULL UNIQUE,
		points_balance BIGINT NOT NULL DEFAULT 0,
		total_points_earned BIGINT NOT NULL DEFAULT 0,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS point_transactions (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES loyalty_accounts(id),
		points BIGINT NOT NULL,
		transaction_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source_order_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_point_tx_account_created
		ON point_transactions (account_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS ix_point_tx_source_order
		ON point_transactions (source_order_id)
		WHERE source_order_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_point_tx_earn_order
		ON point_transactions (account_id, source_order_id)
		WHERE transaction_type = 'EARN_ORDER'`,

	`CREATE TABLE IF NOT EXISTS earning_rule_types (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS earning_rules (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		rule_type_id UUID NOT NULL REFERENCES earning_rule_types(id),
		amount_step NUMERIC(12,2),
		min_order_value NUMERIC(12,2),
		points_to_award BIGINT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS reward_rules (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		points_cost BIGINT NOT NULL,
		reward_type TEXT NOT NULL,
		discount_value NUMERIC(12,2) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS coupons (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES loyalty_accounts(id),
		reward_rule_id UUID NOT NULL REFERENCES reward_rules(id),
		code TEXT NOT NULL,
		reward_type TEXT NOT NULL,
		discount_value NUMERIC(12,2) NOT NULL,
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		used_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_coupons_code ON coupons (code)`,

	`CREATE TABLE IF NOT EXISTS program_settings (
		id INTEGER PRIMARY KEY,
		silver_threshold NUMERIC(12,2) NOT NULL,
		gold_threshold NUMERIC(12,2) NOT NULL,
		platinum_threshold NUMERIC(12,2) NOT NULL,
		diamond_threshold NUMERIC(12,2) NOT NULL,
		coupon_code_length INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
