package coldpath

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rishav/eod-stream-engine/internal/domain"
)

// RelationalStore is the abstract durable sink the cold path flushes into.
type RelationalStore interface {
	// BulkInsert attempts a single bulk insert of the whole batch. A
	// unique-constraint violation on exec_id must be reported as
	// ErrDuplicateKey so the caller can fall back to row-by-row upsert.
	BulkInsert(ctx context.Context, trades []domain.EnrichedTrade) error
	// UpsertRow idempotently inserts one trade, doing nothing if exec_id
	// already exists.
	UpsertRow(ctx context.Context, trade domain.EnrichedTrade) error
}

// ErrDuplicateKey is returned by BulkInsert when any row in the batch
// collides with an existing exec_id, signaling the row-by-row fallback.
var ErrDuplicateKey = errors.New("coldpath: duplicate exec_id in batch")

// PgxStore implements RelationalStore against github.com/jackc/pgx/v5.
type PgxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgxStore constructs a store writing into the given table (expected
// columns per enrichedTradeColumns).
func NewPgxStore(pool *pgxpool.Pool, table string) *PgxStore {
	return &PgxStore{pool: pool, table: table}
}

var enrichedTradeColumns = []string{
	"exec_id", "order_id", "client_order_id", "symbol", "side", "quantity",
	"price_mantissa", "price_exponent", "trader_id", "account",
	"strategy_code", "exchange", "receive_time_ns", "gateway_time_ns",
	"exec_time_ns", "gateway_id", "trader_name", "trader_mpid",
	"strategy_name", "cusip", "sedol", "isin", "security_name", "mic",
	"enrichment_time_ns",
}

func rowFor(t domain.EnrichedTrade) []interface{} {
	return []interface{}{
		t.ExecID, t.OrderID, t.ClientOrderID, t.Symbol, int(t.Side), t.Quantity,
		t.PriceMantissa, t.PriceExponent, t.TraderID, t.Account,
		t.StrategyCode, t.Exchange, t.ReceiveTimeNS, t.GatewayTimeNS,
		t.ExecTimeNS, t.GatewayID, t.TraderName, t.TraderMPID,
		t.StrategyName, t.CUSIP, t.SEDOL, t.ISIN, t.SecurityName, t.MIC,
		t.EnrichmentTimeNS,
	}
}

// BulkInsert uses pgx.CopyFrom directly into the configured table. A unique
// violation on exec_id surfaces as ErrDuplicateKey.
func (s *PgxStore) BulkInsert(ctx context.Context, trades []domain.EnrichedTrade) error {
	rows := make([][]interface{}, len(trades))
	for i, t := range trades {
		rows[i] = rowFor(t)
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{s.table},
		enrichedTradeColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// UpsertRow inserts one trade, doing nothing on an exec_id collision.
func (s *PgxStore) UpsertRow(ctx context.Context, t domain.EnrichedTrade) error {
	query := `INSERT INTO ` + s.table + ` (
		exec_id, order_id, client_order_id, symbol, side, quantity,
		price_mantissa, price_exponent, trader_id, account,
		strategy_code, exchange, receive_time_ns, gateway_time_ns,
		exec_time_ns, gateway_id, trader_name, trader_mpid,
		strategy_name, cusip, sedol, isin, security_name, mic,
		enrichment_time_ns
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
	) ON CONFLICT (exec_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, rowFor(t)...)
	return err
}
