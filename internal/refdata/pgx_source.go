package refdata

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rishav/eod-stream-engine/internal/domain"
)

// PgxMasterDataSource implements MasterDataSource against the trader and
// security master tables owned by an external reference-data system,
// reusing the same jackc/pgx/v5 pool the cold path's relational store
// writes through.
type PgxMasterDataSource struct {
	pool *pgxpool.Pool
}

// NewPgxMasterDataSource wraps pool.
func NewPgxMasterDataSource(pool *pgxpool.Pool) *PgxMasterDataSource {
	return &PgxMasterDataSource{pool: pool}
}

func (s *PgxMasterDataSource) LookupTrader(ctx context.Context, traderID string) (domain.TraderInfo, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT trader_id, trader_name, trader_mpid, strategy_name FROM trader_master WHERE trader_id = $1`,
		traderID,
	)
	var info domain.TraderInfo
	err := row.Scan(&info.TraderID, &info.TraderName, &info.TraderMPID, &info.StrategyName)
	if err == pgx.ErrNoRows {
		return domain.TraderInfo{}, false, nil
	}
	if err != nil {
		return domain.TraderInfo{}, false, err
	}
	return info, true, nil
}

func (s *PgxMasterDataSource) LookupSecurity(ctx context.Context, symbol string) (domain.SecurityInfo, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT symbol, cusip, sedol, isin, security_name, mic FROM security_master WHERE symbol = $1`,
		symbol,
	)
	var info domain.SecurityInfo
	err := row.Scan(&info.Symbol, &info.CUSIP, &info.SEDOL, &info.ISIN, &info.SecurityName, &info.MIC)
	if err == pgx.ErrNoRows {
		return domain.SecurityInfo{}, false, nil
	}
	if err != nil {
		return domain.SecurityInfo{}, false, err
	}
	return info, true, nil
}
