package tables

import (
	"time"
)

// Raw table names.
const (
	Blocks         = "ethereum_blocks"
	Transactions   = "ethereum_transactions"
	Logs           = "ethereum_logs"
	TokenTransfers = "ethereum_token_transfers"
	Traces         = "ethereum_traces"
	Contracts      = "ethereum_contracts"
	Tokens         = "ethereum_tokens"
	TokensMetadata = "ethereum_tokens_metadata"
)

// BlockRow is one row of ethereum_blocks.
// Big integers (difficulty, values) stay decimal strings.
type BlockRow struct {
	Number           int64     `parquet:"number"`
	Hash             string    `parquet:"hash"`
	ParentHash       string    `parquet:"parent_hash"`
	Nonce            string    `parquet:"nonce"`
	Sha3Uncles       string    `parquet:"sha3_uncles"`
	LogsBloom        string    `parquet:"logs_bloom"`
	TransactionsRoot string    `parquet:"transactions_root"`
	StateRoot        string    `parquet:"state_root"`
	ReceiptsRoot     string    `parquet:"receipts_root"`
	Miner            string    `parquet:"miner"`
	Difficulty       string    `parquet:"difficulty"`
	TotalDifficulty  string    `parquet:"total_difficulty"`
	Size             int64     `parquet:"size"`
	ExtraData        string    `parquet:"extra_data"`
	GasLimit         int64     `parquet:"gas_limit"`
	GasUsed          int64     `parquet:"gas_used"`
	Timestamp        time.Time `parquet:"timestamp,timestamp(millisecond)"`
	TransactionCount int64     `parquet:"transaction_count"`
	BaseFeePerGas    *int64    `parquet:"base_fee_per_gas,optional"`
	DatePartition    string    `parquet:"date_partition"`
}

// TransactionRow is a transaction merged with its receipt.
type TransactionRow struct {
	Hash                     string    `parquet:"hash"`
	Nonce                    int64     `parquet:"nonce"`
	BlockHash                string    `parquet:"block_hash"`
	BlockNumber              int64     `parquet:"block_number"`
	TransactionIndex         int64     `parquet:"transaction_index"`
	FromAddress              string    `parquet:"from_address"`
	ToAddress                *string   `parquet:"to_address,optional"`
	Value                    string    `parquet:"value"`
	Gas                      int64     `parquet:"gas"`
	GasPrice                 *int64    `parquet:"gas_price,optional"`
	Input                    string    `parquet:"input"`
	BlockTimestamp           time.Time `parquet:"block_timestamp,timestamp(millisecond)"`
	MaxFeePerGas             *int64    `parquet:"max_fee_per_gas,optional"`
	MaxPriorityFeePerGas     *int64    `parquet:"max_priority_fee_per_gas,optional"`
	TransactionType          string    `parquet:"transaction_type"`
	ReceiptCumulativeGasUsed *int64    `parquet:"receipt_cumulative_gas_used,optional"`
	ReceiptGasUsed           *int64    `parquet:"receipt_gas_used,optional"`
	ReceiptContractAddress   *string   `parquet:"receipt_contract_address,optional"`
	ReceiptRoot              *string   `parquet:"receipt_root,optional"`
	ReceiptStatus            *int64    `parquet:"receipt_status,optional"`
	ReceiptEffectiveGasPrice *int64    `parquet:"receipt_effective_gas_price,optional"`
	DatePartition            string    `parquet:"date_partition"`
}

type LogRow struct {
	LogIndex         int64     `parquet:"log_index"`
	TransactionHash  string    `parquet:"transaction_hash"`
	TransactionIndex int64     `parquet:"transaction_index"`
	BlockHash        string    `parquet:"block_hash"`
	BlockNumber      int64     `parquet:"block_number"`
	Address          string    `parquet:"address"`
	Data             string    `parquet:"data"`
	Topics           []string  `parquet:"topics,list"`
	BlockTimestamp   time.Time `parquet:"block_timestamp,timestamp(millisecond)"`
	DatePartition    string    `parquet:"date_partition"`
}

type TokenTransferRow struct {
	TokenAddress    string    `parquet:"token_address"`
	FromAddress     string    `parquet:"from_address"`
	ToAddress       string    `parquet:"to_address"`
	Value           string    `parquet:"value"`
	TransactionHash string    `parquet:"transaction_hash"`
	LogIndex        int64     `parquet:"log_index"`
	BlockNumber     int64     `parquet:"block_number"`
	BlockTimestamp  time.Time `parquet:"block_timestamp,timestamp(millisecond)"`
	BlockHash       string    `parquet:"block_hash"`
	DatePartition   string    `parquet:"date_partition"`
}

type TraceRow struct {
	BlockNumber      int64     `parquet:"block_number"`
	TransactionHash  *string   `parquet:"transaction_hash,optional"`
	TransactionIndex *int64    `parquet:"transaction_index,optional"`
	FromAddress      *string   `parquet:"from_address,optional"`
	ToAddress        *string   `parquet:"to_address,optional"`
	Value            string    `parquet:"value"`
	Input            *string   `parquet:"input,optional"`
	Output           *string   `parquet:"output,optional"`
	TraceType        string    `parquet:"trace_type"`
	CallType         *string   `parquet:"call_type,optional"`
	RewardType       *string   `parquet:"reward_type,optional"`
	Gas              *int64    `parquet:"gas,optional"`
	GasUsed          *int64    `parquet:"gas_used,optional"`
	Subtraces        int64     `parquet:"subtraces"`
	TraceAddress     *string   `parquet:"trace_address,optional"`
	Error            *string   `parquet:"error,optional"`
	Status           *int64    `parquet:"status,optional"`
	TraceID          *string   `parquet:"trace_id,optional"`
	BlockTimestamp   time.Time `parquet:"block_timestamp,timestamp(millisecond)"`
	BlockHash        string    `parquet:"block_hash"`
	DatePartition    string    `parquet:"date_partition"`
}

type ContractRow struct {
	Address           string    `parquet:"address"`
	Bytecode          string    `parquet:"bytecode"`
	FunctionSighashes string    `parquet:"function_sighashes"`
	IsERC20           bool      `parquet:"is_erc20"`
	IsERC721          bool      `parquet:"is_erc721"`
	BlockNumber       int64     `parquet:"block_number"`
	BlockTimestamp    time.Time `parquet:"block_timestamp,timestamp(millisecond)"`
	DatePartition     string    `parquet:"date_partition"`
}

type TokenRow struct {
	Address        string    `parquet:"address"`
	Symbol         string    `parquet:"symbol"`
	Name           string    `parquet:"name"`
	Decimals       *int64    `parquet:"decimals,optional"`
	TotalSupply    string    `parquet:"total_supply"`
	BlockNumber    int64     `parquet:"block_number"`
	BlockTimestamp time.Time `parquet:"block_timestamp,timestamp(millisecond)"`
	DatePartition  string    `parquet:"date_partition"`
}

// TokenMetadataRow is one token as returned by the token metadata API.
type TokenMetadataRow struct {
	ContractAddress  string    `parquet:"contract_address"`
	Name             string    `parquet:"name"`
	Symbol           string    `parquet:"symbol"`
	Decimals         *int64    `parquet:"decimals,optional"`
	Standard         string    `parquet:"standard"`
	CreatedTimestamp time.Time `parquet:"created_timestamp,timestamp(millisecond)"`
	LastRefreshed    time.Time `parquet:"last_refreshed,timestamp(millisecond)"`
	DatePartition    string    `parquet:"date_partition"`
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "snappy",
	}
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
