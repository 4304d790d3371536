package main

import (
	"encoding/binary"
	"fmt"

	"github.com/rishav/eod-stream-engine/internal/domain"
	"github.com/rishav/eod-stream-engine/internal/ingest"
)

// gatewayParser extracts Fields from the reference gateway's wire body:
// [exec_id_len:1][exec_id][order_id_len:1][order_id][symbol_len:1][symbol]
// [trader_id_len:1][trader_id][side:1][quantity:8][price_mantissa:8]
// [gateway_ts:8][exec_ts:8]. A production deployment swaps this for
// whatever the actual drop-copy feed emits; ingest.Parser is the seam.
type gatewayParser struct{}

func (gatewayParser) Parse(body []byte) (ingest.Fields, error) {
	r := &byteReader{buf: body}

	execID, err := r.str()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: exec_id: %w", err)
	}
	orderID, err := r.str()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: order_id: %w", err)
	}
	symbol, err := r.str()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: symbol: %w", err)
	}
	traderID, err := r.str()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: trader_id: %w", err)
	}
	side, err := r.byte()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: side: %w", err)
	}
	qty, err := r.i64()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: quantity: %w", err)
	}
	price, err := r.i64()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: price: %w", err)
	}
	gatewayTS, err := r.i64()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: gateway_ts: %w", err)
	}
	execTS, err := r.i64()
	if err != nil {
		return ingest.Fields{}, fmt.Errorf("gateway parser: exec_ts: %w", err)
	}

	return ingest.Fields{
		ExecID:        execID,
		OrderID:       orderID,
		Symbol:        symbol,
		TraderID:      traderID,
		Side:          domain.Side(side),
		Quantity:      qty,
		PriceMantissa: price,
		GatewayTimeNS: gatewayTS,
		ExecTimeNS:    execTS,
	}, nil
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("unexpected EOF")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) i64() (int64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("unexpected EOF")
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("unexpected EOF")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
