package storage

const schema = `
CREATE TABLE IF NOT EXISTS seed_pairs (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    player           TEXT NOT NULL,
    server_seed      TEXT NOT NULL,
    server_seed_hash TEXT NOT NULL,
    client_seed      TEXT NOT NULL,
    nonce            INTEGER NOT NULL DEFAULT 0,
    active           INTEGER NOT NULL DEFAULT 1,
    created_at       TIMESTAMP NOT NULL,
    revealed_at      TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS seed_pairs_one_active
    ON seed_pairs(player) WHERE active = 1;

CREATE TABLE IF NOT EXISTS wallets (
    id             TEXT PRIMARY KEY,
    multiplier     INTEGER NOT NULL,
    address        TEXT NOT NULL UNIQUE,
    keystore_json  TEXT NOT NULL,
    active         INTEGER NOT NULL DEFAULT 1,
    depleted       INTEGER NOT NULL DEFAULT 0,
    received_total TEXT NOT NULL DEFAULT '0',
    sent_total     TEXT NOT NULL DEFAULT '0',
    bet_count      INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS wallets_multiplier ON wallets(multiplier);

CREATE TABLE IF NOT EXISTS observations (
    txid          TEXT PRIMARY KEY,
    from_address  TEXT NOT NULL,
    to_address    TEXT NOT NULL,
    amount        TEXT NOT NULL,
    source        TEXT NOT NULL,
    confirmations INTEGER NOT NULL DEFAULT 0,
    detect_count  INTEGER NOT NULL DEFAULT 1,
    processed     INTEGER NOT NULL DEFAULT 0,
    raw           TEXT,
    observed_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    id                TEXT PRIMARY KEY,
    player            TEXT NOT NULL,
    seed_pair_id      INTEGER NOT NULL,
    nonce_used        INTEGER,
    wagered_amount    TEXT NOT NULL,
    target_multiplier INTEGER NOT NULL,
    win_chance_bps    INTEGER NOT NULL,
    wallet_id         TEXT NOT NULL,
    deposit_address   TEXT NOT NULL,
    deposit_txid      TEXT NOT NULL UNIQUE,
    roll_result       INTEGER,
    outcome           TEXT,
    payout_amount     TEXT NOT NULL DEFAULT '0',
    status            TEXT NOT NULL,
    created_at        TIMESTAMP NOT NULL,
    rolled_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS bets_status ON bets(status);
CREATE INDEX IF NOT EXISTS bets_player ON bets(player);

CREATE TABLE IF NOT EXISTS payouts (
    id             TEXT PRIMARY KEY,
    bet_id         TEXT NOT NULL UNIQUE,
    amount         TEXT NOT NULL,
    fee            TEXT NOT NULL DEFAULT '0',
    to_address     TEXT NOT NULL,
    broadcast_txid TEXT,
    status         TEXT NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    max_retries    INTEGER NOT NULL,
    last_error     TEXT,
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
);
`
