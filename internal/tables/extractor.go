package tables

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Record is one CSV line keyed by header.
type Record map[string]string

// BlockRef is what the joins need from a block.
type BlockRef struct {
	Hash      string
	Timestamp time.Time
}

// BlockIndex maps block number to hash and timestamp.
type BlockIndex map[int64]BlockRef

// Extractor converts extractor CSV records into table rows.
type Extractor struct {
	now func() time.Time
}

// NewExtractor creates a new row extractor. A nil clock uses time.Now.
func NewExtractor(now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{now: now}
}

// Blocks converts blocks.csv records and indexes them for the joins.
func (e *Extractor) Blocks(recs []Record) ([]BlockRow, BlockIndex, error) {
	rows := make([]BlockRow, 0, len(recs))
	idx := make(BlockIndex, len(recs))
	for i, r := range recs {
		number, err := parseInt(r, "number")
		if err != nil {
			return nil, nil, fmt.Errorf("block record %d: %w", i, err)
		}
		ts, err := parseUnix(r, "timestamp")
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", number, err)
		}
		row := BlockRow{
			Number:           number,
			Hash:             r["hash"],
			ParentHash:       r["parent_hash"],
			Nonce:            r["nonce"],
			Sha3Uncles:       r["sha3_uncles"],
			LogsBloom:        r["logs_bloom"],
			TransactionsRoot: r["transactions_root"],
			StateRoot:        r["state_root"],
			ReceiptsRoot:     r["receipts_root"],
			Miner:            r["miner"],
			Difficulty:       r["difficulty"],
			TotalDifficulty:  r["total_difficulty"],
			Size:             intOrZero(r, "size"),
			ExtraData:        r["extra_data"],
			GasLimit:         intOrZero(r, "gas_limit"),
			GasUsed:          intOrZero(r, "gas_used"),
			Timestamp:        ts,
			TransactionCount: intOrZero(r, "transaction_count"),
			BaseFeePerGas:    optInt(r, "base_fee_per_gas"),
			DatePartition:    DatePartition(ts),
		}
		rows = append(rows, row)
		idx[number] = BlockRef{Hash: row.Hash, Timestamp: ts}
	}
	return rows, idx, nil
}

type receiptKey struct {
	hash  string
	block int64
}

// Transactions left-joins transactions with receipts on hash and block number.
// Receipt columns are prefixed with receipt_.
func (e *Extractor) Transactions(txs, receipts []Record) ([]TransactionRow, error) {
	byKey := make(map[receiptKey]Record, len(receipts))
	for _, r := range receipts {
		block, err := parseInt(r, "block_number")
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", r["transaction_hash"], err)
		}
		byKey[receiptKey{r["transaction_hash"], block}] = r
	}

	rows := make([]TransactionRow, 0, len(txs))
	for _, t := range txs {
		block, err := parseInt(t, "block_number")
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t["hash"], err)
		}
		ts, err := parseUnix(t, "block_timestamp")
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", t["hash"], err)
		}
		row := TransactionRow{
			Hash:                 t["hash"],
			Nonce:                intOrZero(t, "nonce"),
			BlockHash:            t["block_hash"],
			BlockNumber:          block,
			TransactionIndex:     intOrZero(t, "transaction_index"),
			FromAddress:          t["from_address"],
			ToAddress:            optString(t, "to_address"),
			Value:                t["value"],
			Gas:                  intOrZero(t, "gas"),
			GasPrice:             optInt(t, "gas_price"),
			Input:                t["input"],
			BlockTimestamp:       ts,
			MaxFeePerGas:         optInt(t, "max_fee_per_gas"),
			MaxPriorityFeePerGas: optInt(t, "max_priority_fee_per_gas"),
			TransactionType:      t["transaction_type"],
			DatePartition:        DatePartition(ts),
		}
		if r, ok := byKey[receiptKey{row.Hash, block}]; ok {
			row.ReceiptCumulativeGasUsed = optInt(r, "cumulative_gas_used")
			row.ReceiptGasUsed = optInt(r, "gas_used")
			row.ReceiptContractAddress = optString(r, "contract_address")
			row.ReceiptRoot = optString(r, "root")
			row.ReceiptStatus = optInt(r, "status")
			row.ReceiptEffectiveGasPrice = optInt(r, "effective_gas_price")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Logs inner-joins logs with blocks for the block timestamp.
func (e *Extractor) Logs(recs []Record, blocks BlockIndex) ([]LogRow, error) {
	rows := make([]LogRow, 0, len(recs))
	for _, r := range recs {
		block, err := parseInt(r, "block_number")
		if err != nil {
			return nil, fmt.Errorf("log %s/%s: %w", r["transaction_hash"], r["log_index"], err)
		}
		ref, ok := blocks[block]
		if !ok {
			continue
		}
		rows = append(rows, LogRow{
			LogIndex:         intOrZero(r, "log_index"),
			TransactionHash:  r["transaction_hash"],
			TransactionIndex: intOrZero(r, "transaction_index"),
			BlockHash:        r["block_hash"],
			BlockNumber:      block,
			Address:          r["address"],
			Data:             r["data"],
			Topics:           splitTopics(r["topics"]),
			BlockTimestamp:   ref.Timestamp,
			DatePartition:    DatePartition(ref.Timestamp),
		})
	}
	return rows, nil
}

// TokenTransfers inner-joins transfers with blocks for hash and timestamp.
func (e *Extractor) TokenTransfers(recs []Record, blocks BlockIndex) ([]TokenTransferRow, error) {
	rows := make([]TokenTransferRow, 0, len(recs))
	for _, r := range recs {
		block, err := parseInt(r, "block_number")
		if err != nil {
			return nil, fmt.Errorf("token transfer %s: %w", r["transaction_hash"], err)
		}
		ref, ok := blocks[block]
		if !ok {
			continue
		}
		rows = append(rows, TokenTransferRow{
			TokenAddress:    r["token_address"],
			FromAddress:     r["from_address"],
			ToAddress:       r["to_address"],
			Value:           r["value"],
			TransactionHash: r["transaction_hash"],
			LogIndex:        intOrZero(r, "log_index"),
			BlockNumber:     block,
			BlockTimestamp:  ref.Timestamp,
			BlockHash:       ref.Hash,
			DatePartition:   DatePartition(ref.Timestamp),
		})
	}
	return rows, nil
}

// Traces inner-joins traces with blocks and clamps oversized values.
func (e *Extractor) Traces(recs []Record, blocks BlockIndex) ([]TraceRow, error) {
	rows := make([]TraceRow, 0, len(recs))
	for _, r := range recs {
		block, err := parseInt(r, "block_number")
		if err != nil {
			return nil, fmt.Errorf("trace %s: %w", r["trace_id"], err)
		}
		ref, ok := blocks[block]
		if !ok {
			continue
		}
		rows = append(rows, TraceRow{
			BlockNumber:      block,
			TransactionHash:  optString(r, "transaction_hash"),
			TransactionIndex: optInt(r, "transaction_index"),
			FromAddress:      optString(r, "from_address"),
			ToAddress:        optString(r, "to_address"),
			Value:            ClampTraceValue(r["value"]),
			Input:            optString(r, "input"),
			Output:           optString(r, "output"),
			TraceType:        r["trace_type"],
			CallType:         optString(r, "call_type"),
			RewardType:       optString(r, "reward_type"),
			Gas:              optInt(r, "gas"),
			GasUsed:          optInt(r, "gas_used"),
			Subtraces:        intOrZero(r, "subtraces"),
			TraceAddress:     optString(r, "trace_address"),
			Error:            optString(r, "error"),
			Status:           optInt(r, "status"),
			TraceID:          optString(r, "trace_id"),
			BlockTimestamp:   ref.Timestamp,
			BlockHash:        ref.Hash,
			DatePartition:    DatePartition(ref.Timestamp),
		})
	}
	return rows, nil
}

// Contracts stamps contracts with the timestamp of the block that created
// them. A block outside the extracted range falls back to the extraction
// time.
func (e *Extractor) Contracts(recs []Record, blocks BlockIndex) []ContractRow {
	rows := make([]ContractRow, 0, len(recs))
	for _, r := range recs {
		isERC20, _ := strconv.ParseBool(r["is_erc20"])
		isERC721, _ := strconv.ParseBool(r["is_erc721"])
		block := intOrZero(r, "block_number")
		ts := e.blockTime(blocks, block)
		rows = append(rows, ContractRow{
			Address:           r["address"],
			Bytecode:          r["bytecode"],
			FunctionSighashes: r["function_sighashes"],
			IsERC20:           isERC20,
			IsERC721:          isERC721,
			BlockNumber:       block,
			BlockTimestamp:    ts,
			DatePartition:     DatePartition(ts),
		})
	}
	return rows
}

// Tokens stamps tokens like Contracts.
func (e *Extractor) Tokens(recs []Record, blocks BlockIndex) []TokenRow {
	rows := make([]TokenRow, 0, len(recs))
	for _, r := range recs {
		block := intOrZero(r, "block_number")
		ts := e.blockTime(blocks, block)
		rows = append(rows, TokenRow{
			Address:        r["address"],
			Symbol:         r["symbol"],
			Name:           r["name"],
			Decimals:       optInt(r, "decimals"),
			TotalSupply:    r["total_supply"],
			BlockNumber:    block,
			BlockTimestamp: ts,
			DatePartition:  DatePartition(ts),
		})
	}
	return rows
}

func (e *Extractor) blockTime(blocks BlockIndex, number int64) time.Time {
	if ref, ok := blocks[number]; ok {
		return ref.Timestamp.UTC()
	}
	return e.now().UTC()
}

var traceValueLimit = new(big.Int).Exp(big.NewInt(10), big.NewInt(38), nil)

// ClampTraceValue truncates values whose magnitude exceeds 1e38 to their
// first 28 characters so they fit a DECIMAL(38) column.
func ClampTraceValue(v string) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok {
		return v
	}
	if new(big.Int).Abs(n).Cmp(traceValueLimit) > 0 && len(v) > 28 {
		return v[:28]
	}
	return v
}

func splitTopics(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseInt(r Record, col string) (int64, error) {
	v, err := strconv.ParseInt(r[col], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", col, r[col], err)
	}
	return v, nil
}

func parseUnix(r Record, col string) (time.Time, error) {
	secs, err := parseInt(r, col)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func intOrZero(r Record, col string) int64 {
	v, _ := strconv.ParseInt(r[col], 10, 64)
	return v
}

func optInt(r Record, col string) *int64 {
	v, err := strconv.ParseInt(r[col], 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func optString(r Record, col string) *string {
	v, ok := r[col]
	if !ok || v == "" {
		return nil
	}
	return &v
}
