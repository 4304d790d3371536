// Package domain defines the core trade types shared across the ingestion,
// hot-path, and cold-path engines.
//
// Key Design Decisions:
//
// 1. Fixed-Point Arithmetic: prices are stored as a mantissa/exponent pair
//    (mantissa * 10^exponent) rather than float64, so accumulated rounding
//    errors never creep into a position or a settlement row. Exponent is
//    fixed at -8 for every envelope produced by the ingestion engine.
//
// 2. Exec ID as idempotency key: exec_id is the natural primary key for the
//    cold path's durable store and is never reassigned once set.
//
// 3. Timestamps: receive/gateway/exec timestamps are nanoseconds since Unix
//    epoch (int64), matching the rest of the pipeline's fixed-point style.
package domain

import "fmt"

// PriceExponent is the fixed exponent applied to every price mantissa
// produced by the ingestion engine (mantissa * 10^PriceExponent).
const PriceExponent = -8

// Side represents the side of a trade execution.
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
	SideSellShort
	SideSellShortExempt
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	case SideSellShort:
		return "SELL_SHORT"
	case SideSellShortExempt:
		return "SELL_SHORT_EXEMPT"
	default:
		return "UNSPECIFIED"
	}
}

// SignedQuantity returns qty with the sign implied by the side: positive for
// buys, negative for every flavor of sell.
func (s Side) SignedQuantity(qty int64) int64 {
	if s == SideBuy {
		return qty
	}
	return -qty
}

// MarkSource identifies which tier of the price waterfall produced a mark.
type MarkSource int

const (
	MarkUnknown MarkSource = iota
	MarkStale
	MarkMid
	MarkLTP
	MarkOfficial
)

func (m MarkSource) String() string {
	switch m {
	case MarkOfficial:
		return "OFFICIAL"
	case MarkLTP:
		return "LTP"
	case MarkMid:
		return "MID"
	case MarkStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// Priority returns the waterfall rank of the source; higher wins.
func (m MarkSource) Priority() int {
	return int(m)
}

// Envelope is the canonical, immutable record emitted onto the durable log
// by the ingestion engine. Every downstream consumer works from this shape.
type Envelope struct {
	ExecID          string
	OrderID         string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Quantity        int64
	PriceMantissa   int64
	PriceExponent   int32
	TraderID        string
	Account         string
	StrategyCode    string
	Exchange        string
	ReceiveTimeNS   int64
	GatewayTimeNS   int64
	ExecTimeNS      int64
	RawFrame        []byte
	GatewayID       string
}

// Notional returns quantity * price as a signed mantissa (same exponent as
// PriceMantissa); the same amount Position.ApplyTrade adds to
// CostBasisMantissa for this trade.
func (e *Envelope) Notional() int64 {
	return e.Side.SignedQuantity(e.Quantity) * e.PriceMantissa
}

// String renders a short diagnostic form, never the raw frame.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{exec_id:%s trader:%s %s %s %d@%d}",
		e.ExecID, e.TraderID, e.Side, e.Symbol, e.Quantity, e.PriceMantissa)
}

// Position is the hot path's in-memory aggregate for one (trader, symbol)
// pair. It is never persisted; it is rebuilt by replaying the log.
type Position struct {
	TraderID             string
	Symbol               string
	NetQuantity          int64
	CostBasisMantissa    int64
	RealizedPnLMantissa  int64
	TradeCount           uint64
	LastUpdateTimeNS     int64
	MarkPriceMantissa    int64
	MarkSource           MarkSource
}

// UnrealizedPnLMantissa values the open position at the given mark.
func (p *Position) UnrealizedPnLMantissa(markMantissa int64) int64 {
	if p.NetQuantity == 0 {
		return 0
	}
	avgCost := p.CostBasisMantissa / p.NetQuantity
	return (markMantissa - avgCost) * p.NetQuantity
}

// ApplyTrade folds a single trade into the position. Never fails: a hot-path
// position update has no invalid inputs once envelope validation has passed.
func (p *Position) ApplyTrade(side Side, qty, priceMantissa, nowNS int64) {
	signedQty := side.SignedQuantity(qty)
	p.NetQuantity += signedQty
	p.CostBasisMantissa += signedQty * priceMantissa
	p.TradeCount++
	p.LastUpdateTimeNS = nowNS
}

// Snapshot is the throttled, publish-worthy view of a position at a point in
// time, sent to the side cache by the hot-path engine.
type Snapshot struct {
	TraderID            string
	Symbol               string
	NetQuantity          int64
	RealizedPnLMantissa  int64
	UnrealizedPnLMantissa int64
	MarkPriceMantissa    int64
	MarkSource           MarkSource
	TradeCount           uint64
	TimestampNS          int64
}

// TraderInfo is reference data attached to a trader during cold-path
// enrichment. Zero value means "no match found."
type TraderInfo struct {
	TraderID     string
	TraderName   string
	TraderMPID   string
	StrategyName string
}

// SecurityInfo is reference data attached to a symbol during enrichment.
type SecurityInfo struct {
	Symbol       string
	CUSIP        string
	SEDOL        string
	ISIN         string
	SecurityName string
	MIC          string
}

// EnrichedTrade is the cold path's persisted record: the envelope plus
// whatever reference data could be resolved. All enrichment fields are
// optional; a miss never fails the insert.
type EnrichedTrade struct {
	Envelope
	TraderName        string
	TraderMPID        string
	StrategyName      string
	CUSIP             string
	SEDOL             string
	ISIN              string
	SecurityName      string
	MIC               string
	EnrichmentTimeNS  int64
}

// DLQReason classifies why a record could not be processed by either path.
type DLQReason string

const (
	ReasonDeserialization DLQReason = "DESERIALIZATION_ERROR"
	ReasonValidation      DLQReason = "VALIDATION_ERROR"
	ReasonProcessing      DLQReason = "PROCESSING_ERROR"
	ReasonTimeout         DLQReason = "TIMEOUT_ERROR"
	ReasonDownstream      DLQReason = "DOWNSTREAM_ERROR"
)

// DLQEnvelope wraps a record that a consumer gave up on.
type DLQEnvelope struct {
	OriginalBytes     []byte
	Reason            DLQReason
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	RetryCount        int
	FirstFailureNS    int64
	Diagnostics       map[string]string
}
