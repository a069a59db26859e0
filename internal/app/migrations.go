package app

import "evbackend.in/core/internal/db/postgres"

// Migrations are embedded in the binary so a deploy is one artifact.
// Append only; applied versions are never edited.
var migrations = []postgres.Migration{
	{Version: 1, Name: "users", SQL: migration001Users},
	{Version: 2, Name: "wallets", SQL: migration002Wallets},
	{Version: 3, Name: "bookings", SQL: migration003Bookings},
	{Version: 4, Name: "binary tree", SQL: migration004Binary},
	{Version: 5, Name: "payouts", SQL: migration005Payouts},
	{Version: 6, Name: "tasks", SQL: migration006Tasks},
	{Version: 7, Name: "platform settings", SQL: migration007Settings},
	{Version: 8, Name: "binary pair booking flag", SQL: migration008PairBookingFlag},
}

var migration001Users = `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    username VARCHAR(150) NOT NULL,
    email VARCHAR(254) UNIQUE,
    mobile VARCHAR(20) NOT NULL,
    role VARCHAR(16) NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'staff', 'admin')),
    is_distributor BOOLEAN NOT NULL DEFAULT FALSE,
    is_active_buyer BOOLEAN NOT NULL DEFAULT FALSE,
    kyc_status VARCHAR(16) NOT NULL DEFAULT 'none' CHECK (kyc_status IN ('none', 'pending', 'approved', 'rejected')),
    referred_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
    telegram_chat_id BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT users_mobile_key UNIQUE (mobile)
);
CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users(referred_by);
`

var migration002Wallets = `
CREATE TABLE IF NOT EXISTS wallets (
    user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE RESTRICT,
    balance NUMERIC(14, 2) NOT NULL DEFAULT 0,
    total_earned NUMERIC(14, 2) NOT NULL DEFAULT 0,
    total_withdrawn NUMERIC(14, 2) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE RESTRICT,
    transaction_type VARCHAR(32) NOT NULL,
    amount NUMERIC(14, 2) NOT NULL CHECK (amount <> 0),
    balance_before NUMERIC(14, 2) NOT NULL,
    balance_after NUMERIC(14, 2) NOT NULL CHECK (balance_after >= 0),
    reference_type VARCHAR(32),
    reference_id BIGINT,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (balance_after = balance_before + amount),
    CHECK ((reference_type IS NULL) = (reference_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user ON wallet_transactions(user_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_ref ON wallet_transactions(reference_type, reference_id);
`

var migration003Bookings = `
CREATE SEQUENCE IF NOT EXISTS booking_number_seq;

CREATE TABLE IF NOT EXISTS bookings (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE RESTRICT,
    booking_number VARCHAR(32) NOT NULL UNIQUE,
    total_amount NUMERIC(14, 2) NOT NULL CHECK (total_amount > 0),
    booking_amount NUMERIC(14, 2) NOT NULL DEFAULT 0,
    total_paid NUMERIC(14, 2) NOT NULL DEFAULT 0,
    bonus_applied NUMERIC(14, 2) NOT NULL DEFAULT 0,
    deductions_applied NUMERIC(14, 2) NOT NULL DEFAULT 0,
    remaining_amount NUMERIC(14, 2) NOT NULL,
    status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'active', 'completed', 'cancelled', 'expired')),
    emi_amount NUMERIC(14, 2) NOT NULL DEFAULT 0,
    emi_paid_count INT NOT NULL DEFAULT 0,
    emi_total_count INT NOT NULL DEFAULT 0,
    emi_start_date TIMESTAMPTZ,
    cancel_reason TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ,
    confirmed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (remaining_amount = total_amount - total_paid - bonus_applied - deductions_applied),
    CHECK (emi_paid_count <= emi_total_count)
);
CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bookings_pending_expiry ON bookings(expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS booking_deductions (
    id BIGSERIAL PRIMARY KEY,
    booking_id BIGINT NOT NULL REFERENCES bookings(id) ON DELETE RESTRICT,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE RESTRICT,
    amount NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
    source_type VARCHAR(32) NOT NULL,
    source_id BIGINT NOT NULL,
    reversed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_booking_deductions_source ON booking_deductions(source_type, source_id);
`

var migration004Binary = `
CREATE TABLE IF NOT EXISTS binary_nodes (
    user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE RESTRICT,
    parent_id BIGINT REFERENCES binary_nodes(user_id) ON DELETE RESTRICT,
    sponsor_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
    side VARCHAR(5) CHECK (side IN ('left', 'right')),
    level INT NOT NULL DEFAULT 0,
    left_count INT NOT NULL DEFAULT 0,
    right_count INT NOT NULL DEFAULT 0,
    counts_refreshed_at TIMESTAMPTZ,
    direct_count INT NOT NULL DEFAULT 0,
    activated BOOLEAN NOT NULL DEFAULT FALSE,
    activated_at TIMESTAMPTZ,
    last_pair_number INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK ((parent_id IS NULL) = (side IS NULL)),
    CONSTRAINT binary_nodes_parent_side_key UNIQUE (parent_id, side)
);
CREATE UNIQUE INDEX IF NOT EXISTS binary_nodes_single_root ON binary_nodes ((TRUE)) WHERE parent_id IS NULL;

CREATE TABLE IF NOT EXISTS binary_pairs (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES binary_nodes(user_id) ON DELETE RESTRICT,
    left_user_id BIGINT NOT NULL,
    right_user_id BIGINT NOT NULL,
    pair_number INT NOT NULL CHECK (pair_number > 0),
    pair_amount NUMERIC(14, 2) NOT NULL,
    earning_amount NUMERIC(14, 2) NOT NULL,
    tds_amount NUMERIC(14, 2) NOT NULL,
    extra_deduction NUMERIC(14, 2) NOT NULL,
    net_amount NUMERIC(14, 2) NOT NULL,
    emi_deducted NUMERIC(14, 2) NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'matched', 'processed')),
    booking_deducted NUMERIC(14, 2) NOT NULL DEFAULT 0,
    commission_blocked BOOLEAN NOT NULL DEFAULT FALSE,
    blocked_reason TEXT NOT NULL DEFAULT '',
    pair_date DATE NOT NULL,
    matched_at TIMESTAMPTZ NOT NULL,
    processed_at TIMESTAMPTZ,
    CONSTRAINT binary_pairs_user_number_key UNIQUE (user_id, pair_number)
);
CREATE INDEX IF NOT EXISTS idx_binary_pairs_user_date ON binary_pairs(user_id, pair_date);

CREATE TABLE IF NOT EXISTS binary_leg_units (
    id BIGSERIAL PRIMARY KEY,
    ancestor_id BIGINT NOT NULL REFERENCES binary_nodes(user_id) ON DELETE RESTRICT,
    source_user_id BIGINT NOT NULL,
    side VARCHAR(5) NOT NULL CHECK (side IN ('left', 'right')),
    amount NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
    pair_id BIGINT REFERENCES binary_pairs(id) ON DELETE RESTRICT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT binary_leg_units_ancestor_source_key UNIQUE (ancestor_id, source_user_id)
);
CREATE INDEX IF NOT EXISTS idx_binary_leg_units_open ON binary_leg_units(ancestor_id, side, created_at) WHERE pair_id IS NULL;

CREATE TABLE IF NOT EXISTS binary_earnings (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE RESTRICT,
    pair_id BIGINT NOT NULL UNIQUE REFERENCES binary_pairs(id) ON DELETE RESTRICT,
    pair_number INT NOT NULL,
    amount NUMERIC(14, 2) NOT NULL,
    emi_deducted NUMERIC(14, 2) NOT NULL DEFAULT 0,
    net_amount NUMERIC(14, 2) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration005Payouts = `
CREATE TABLE IF NOT EXISTS payouts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE RESTRICT,
    requested_amount NUMERIC(14, 2) NOT NULL CHECK (requested_amount > 0),
    tds_amount NUMERIC(14, 2) NOT NULL DEFAULT 0,
    net_amount NUMERIC(14, 2) NOT NULL,
    status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'rejected', 'cancelled')),
    bank_holder_name VARCHAR(150) NOT NULL,
    bank_account_number VARCHAR(34) NOT NULL,
    bank_ifsc VARCHAR(11) NOT NULL,
    bank_name VARCHAR(150) NOT NULL DEFAULT '',
    emi_auto_fill BOOLEAN NOT NULL DEFAULT FALSE,
    emi_amount NUMERIC(14, 2) NOT NULL DEFAULT 0,
    emi_plan JSONB,
    transaction_id VARCHAR(64),
    reference TEXT NOT NULL UNIQUE,
    failure_reason TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT payouts_transaction_id_key UNIQUE (transaction_id)
);
CREATE INDEX IF NOT EXISTS idx_payouts_user ON payouts(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_payouts_processing ON payouts(processed_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS payout_webhook_logs (
    id BIGSERIAL PRIMARY KEY,
    event_id VARCHAR(128) NOT NULL UNIQUE,
    event_type VARCHAR(64) NOT NULL,
    payload JSONB NOT NULL,
    status VARCHAR(16) NOT NULL CHECK (status IN ('received', 'processed', 'failed')),
    error_message TEXT NOT NULL DEFAULT '',
    processed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration006Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
    id BIGSERIAL PRIMARY KEY,
    kind VARCHAR(64) NOT NULL,
    payload JSONB NOT NULL,
    status VARCHAR(16) NOT NULL CHECK (status IN ('queued', 'running', 'done', 'dead')),
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL,
    run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    locked_by TEXT,
    locked_until TIMESTAMPTZ,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(run_at, id) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_tasks_leased ON tasks(locked_until) WHERE status = 'running';
`

var migration007Settings = `
CREATE TABLE IF NOT EXISTS platform_settings (
    id SMALLINT PRIMARY KEY CHECK (id = 1),
    data JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration008PairBookingFlag = `
ALTER TABLE binary_pairs ALTER COLUMN booking_deducted DROP DEFAULT;
ALTER TABLE binary_pairs ALTER COLUMN booking_deducted TYPE BOOLEAN USING booking_deducted <> 0;
ALTER TABLE binary_pairs ALTER COLUMN booking_deducted SET DEFAULT FALSE;
`
