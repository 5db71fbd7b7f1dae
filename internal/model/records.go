package model

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Record sizes. Every record starts with its 16-byte big-endian id so
// readers can locate logs by offset without decoding.
const (
	TradeLogSize    = 16 + 30 + 30 + 16 + 16 + 16 + 16 + 16 + 1 + 8 + 16 + 16 + 9 + 9
	PositionLogSize = 16 + 30 + 16 + 16 + 1 + 16 + 16 + 16 + 16 + 8 + 10
)

var ErrRecordSize = errors.New("model: wrong record size")

// TradeRecord is a trade as archived in storage.
type TradeRecord struct {
	ID                      TradeID            `json:"id"`
	Positor                 platform.Principal `json:"positor"`
	Purchaser               platform.Principal `json:"purchaser"`
	Tokens                  amount.Amount      `json:"tokens"`
	Cycles                  amount.Amount      `json:"cycles"`
	Rate                    amount.Amount      `json:"cycles_per_token_rate"`
	PositionIDMatcher       PositionID         `json:"position_id_matcher"`
	PositionIDMatchee       PositionID         `json:"position_id_matchee"`
	PositionKind            PositionKind       `json:"position_kind"`
	TimestampNanos          uint64             `json:"timestamp_nanos"`
	TokensPayoutFee         amount.Amount      `json:"tokens_payout_fee"`
	CyclesPayoutFee         amount.Amount      `json:"cycles_payout_fee"`
	TokenTransferBlock      *uint64            `json:"token_transfer_block_height,omitempty"`
	TokenFeeCollectionBlock *uint64            `json:"token_fee_collection_block_height,omitempty"`
}

// PositionTermination is set once a position left the book.
type PositionTermination struct {
	TimestampNanos uint64           `json:"timestamp_nanos" msgpack:"ts"`
	Cause          TerminationCause `json:"cause" msgpack:"cause"`
}

// PositionLog is a position as archived in storage. Mainder is the unspent
// funding at termination.
type PositionLog struct {
	ID                     PositionID           `json:"id"`
	Positor                platform.Principal   `json:"positor"`
	Quest                  Quest                `json:"match_tokens_quest"`
	Kind                   PositionKind         `json:"position_kind"`
	Mainder                amount.Amount        `json:"mainder_position_quantity"`
	FillTokens             amount.Amount        `json:"fill_quantity_tokens"`
	FillAverageRate        amount.Amount        `json:"fill_average_rate"`
	PayoutsFeesSum         amount.Amount        `json:"payouts_fees_sum"`
	CreationTimestampNanos uint64               `json:"creation_timestamp_nanos"`
	Termination            *PositionTermination `json:"position_termination,omitempty"`
}

type writer struct {
	b   []byte
	off int
}

func (w *writer) id(v uint64) {
	binary.BigEndian.PutUint64(w.b[w.off+8:], v)
	w.off += 16
}

func (w *writer) principal(p platform.Principal) {
	raw := p.Bytes()
	w.b[w.off] = byte(len(raw))
	copy(w.b[w.off+1:], raw)
	w.off += 1 + platform.MaxPrincipalLength
}

func (w *writer) amount(a amount.Amount) {
	b := a.Bytes16()
	copy(w.b[w.off:], b[:])
	w.off += 16
}

func (w *writer) byte1(v byte) {
	w.b[w.off] = v
	w.off++
}

func (w *writer) u64(v uint64) {
	binary.BigEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
}

func (w *writer) optU64(v *uint64) {
	if v != nil {
		w.b[w.off] = 1
		binary.BigEndian.PutUint64(w.b[w.off+1:], *v)
	}
	w.off += 9
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) id() uint64 {
	v := binary.BigEndian.Uint64(r.b[r.off+8:])
	r.off += 16
	return v
}

func (r *reader) principal() platform.Principal {
	n := int(r.b[r.off])
	if n > platform.MaxPrincipalLength {
		r.err = fmt.Errorf("%w: principal length %d", platform.ErrPrincipalTooLong, n)
		n = 0
	}
	p, _ := platform.PrincipalFromBytes(r.b[r.off+1 : r.off+1+n])
	r.off += 1 + platform.MaxPrincipalLength
	return p
}

func (r *reader) amount() amount.Amount {
	a := amount.FromBytes16(r.b[r.off : r.off+16])
	r.off += 16
	return a
}

func (r *reader) byte1() byte {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u64() uint64 {
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) optU64() *uint64 {
	present := r.b[r.off] == 1
	v := binary.BigEndian.Uint64(r.b[r.off+1:])
	r.off += 9
	if !present {
		return nil
	}
	return &v
}

// RecordID reads the id prefix of any log record.
func RecordID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b[8:16])
}

// AppendTradeRecord appends the fixed-width encoding of r to dst.
func AppendTradeRecord(dst []byte, r TradeRecord) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, TradeLogSize)...)
	w := &writer{b: dst[start:]}
	w.id(uint64(r.ID))
	w.principal(r.Positor)
	w.principal(r.Purchaser)
	w.amount(r.Tokens)
	w.amount(r.Cycles)
	w.amount(r.Rate)
	w.id(uint64(r.PositionIDMatcher))
	w.id(uint64(r.PositionIDMatchee))
	w.byte1(byte(r.PositionKind))
	w.u64(r.TimestampNanos)
	w.amount(r.TokensPayoutFee)
	w.amount(r.CyclesPayoutFee)
	w.optU64(r.TokenTransferBlock)
	w.optU64(r.TokenFeeCollectionBlock)
	return dst
}

// DecodeTradeRecord parses one TradeLogSize record.
func DecodeTradeRecord(b []byte) (TradeRecord, error) {
	if len(b) != TradeLogSize {
		return TradeRecord{}, fmt.Errorf("%w: trade record %d bytes", ErrRecordSize, len(b))
	}
	r := &reader{b: b}
	rec := TradeRecord{
		ID:                TradeID(r.id()),
		Positor:           r.principal(),
		Purchaser:         r.principal(),
		Tokens:            r.amount(),
		Cycles:            r.amount(),
		Rate:              r.amount(),
		PositionIDMatcher: PositionID(r.id()),
		PositionIDMatchee: PositionID(r.id()),
		PositionKind:      PositionKind(r.byte1()),
		TimestampNanos:    r.u64(),
		TokensPayoutFee:   r.amount(),
		CyclesPayoutFee:   r.amount(),
	}
	rec.TokenTransferBlock = r.optU64()
	rec.TokenFeeCollectionBlock = r.optU64()
	return rec, r.err
}

// AppendPositionLog appends the fixed-width encoding of l to dst.
func AppendPositionLog(dst []byte, l PositionLog) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, PositionLogSize)...)
	w := &writer{b: dst[start:]}
	w.id(uint64(l.ID))
	w.principal(l.Positor)
	w.amount(l.Quest.Tokens)
	w.amount(l.Quest.Rate)
	w.byte1(byte(l.Kind))
	w.amount(l.Mainder)
	w.amount(l.FillTokens)
	w.amount(l.FillAverageRate)
	w.amount(l.PayoutsFeesSum)
	w.u64(l.CreationTimestampNanos)
	if l.Termination != nil {
		w.byte1(1)
		w.u64(l.Termination.TimestampNanos)
		w.byte1(byte(l.Termination.Cause))
	}
	return dst
}

// DecodePositionLog parses one PositionLogSize record.
func DecodePositionLog(b []byte) (PositionLog, error) {
	if len(b) != PositionLogSize {
		return PositionLog{}, fmt.Errorf("%w: position record %d bytes", ErrRecordSize, len(b))
	}
	r := &reader{b: b}
	l := PositionLog{
		ID:      PositionID(r.id()),
		Positor: r.principal(),
		Quest:   Quest{Tokens: r.amount(), Rate: r.amount()},
		Kind:    PositionKind(r.byte1()),
	}
	l.Mainder = r.amount()
	l.FillTokens = r.amount()
	l.FillAverageRate = r.amount()
	l.PayoutsFeesSum = r.amount()
	l.CreationTimestampNanos = r.u64()
	if r.byte1() == 1 {
		l.Termination = &PositionTermination{
			TimestampNanos: r.u64(),
			Cause:          TerminationCause(r.byte1()),
		}
	}
	return l, r.err
}

// DecodeTradeRecords parses back-to-back trade records.
func DecodeTradeRecords(b []byte) ([]TradeRecord, error) {
	if len(b)%TradeLogSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrRecordSize, len(b), TradeLogSize)
	}
	out := make([]TradeRecord, 0, len(b)/TradeLogSize)
	for off := 0; off < len(b); off += TradeLogSize {
		rec, err := DecodeTradeRecord(b[off : off+TradeLogSize])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DecodePositionLogs parses back-to-back position records.
func DecodePositionLogs(b []byte) ([]PositionLog, error) {
	if len(b)%PositionLogSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrRecordSize, len(b), PositionLogSize)
	}
	out := make([]PositionLog, 0, len(b)/PositionLogSize)
	for off := 0; off < len(b); off += PositionLogSize {
		l, err := DecodePositionLog(b[off : off+PositionLogSize])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
