package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// SnapshotTxOptions reads a single consistent snapshot for the whole transaction.
var SnapshotTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead}

// Begin starts a transaction using the RepeatableRead isolation level.
func Begin(ctx context.Context, conn TxBeginner) (pgx.Tx, error) {
	tx, err := conn.BeginTx(ctx, SnapshotTxOptions)
	if err != nil {
		return nil, fmt.Errorf("platform/db: begin tx: %w", err)
	}
	return tx, nil
}
