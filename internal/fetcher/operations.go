package fetcher

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Operation is one extraction step. Command renders the shell command for an
// endpoint; endpoint is empty for operations that need no node.
type Operation struct {
	Name     string
	Start    int64
	End      int64
	NeedsRPC bool
	Command  func(endpoint string) string
}

func (o Operation) rangeString() string {
	if o.Start == 0 && o.End == 0 {
		return ""
	}
	return fmt.Sprintf("[%d, %d]", o.Start, o.End)
}

// Artifact file names written under the work dir.
const (
	BlocksCSV            = "blocks.csv"
	TransactionsCSV      = "transactions.csv"
	TransactionHashesTXT = "transaction_hashes.txt"
	ReceiptsCSV          = "receipts.csv"
	LogsCSV              = "logs.csv"
	ContractAddressesTXT = "contract_addresses.txt"
	ContractsCSV         = "contracts.csv"
	TokenAddressesTXT    = "token_addresses.txt"
	TokensCSV            = "tokens.csv"
	TokenTransfersCSV    = "token_transfers.csv"
	TracesCSV            = "traces.csv"
)

// Commands builds extractor invocations rooted at a work dir.
type Commands struct {
	Bin     string
	WorkDir string
}

func (c Commands) path(name string) string {
	return shellQuote(filepath.Join(c.WorkDir, name))
}

func (c Commands) BlocksAndTransactions(start, end int64) Operation {
	return Operation{
		Name: "blocks_and_transactions", Start: start, End: end, NeedsRPC: true,
		Command: func(endpoint string) string {
			return fmt.Sprintf("%s export_blocks_and_transactions --start-block %d --end-block %d --provider-uri %s --blocks-output %s --transactions-output %s",
				c.Bin, start, end, shellQuote(endpoint), c.path(BlocksCSV), c.path(TransactionsCSV))
		},
	}
}

func (c Commands) ReceiptsAndLogs(start, end int64) Operation {
	return Operation{
		Name: "receipts_and_logs", Start: start, End: end, NeedsRPC: true,
		Command: func(endpoint string) string {
			return fmt.Sprintf("%s extract_csv_column --input %s --column hash --output %s && %s export_receipts_and_logs --transaction-hashes %s --provider-uri %s --receipts-output %s --logs-output %s",
				c.Bin, c.path(TransactionsCSV), c.path(TransactionHashesTXT),
				c.Bin, c.path(TransactionHashesTXT), shellQuote(endpoint), c.path(ReceiptsCSV), c.path(LogsCSV))
		},
	}
}

func (c Commands) Contracts(start, end int64) Operation {
	return Operation{
		Name: "contracts", Start: start, End: end, NeedsRPC: true,
		Command: func(endpoint string) string {
			return fmt.Sprintf("%s extract_csv_column --input %s --column contract_address --output %s && %s export_contracts --contract-addresses %s --provider-uri %s --output %s",
				c.Bin, c.path(ReceiptsCSV), c.path(ContractAddressesTXT),
				c.Bin, c.path(ContractAddressesTXT), shellQuote(endpoint), c.path(ContractsCSV))
		},
	}
}

func (c Commands) Tokens(start, end int64) Operation {
	return Operation{
		Name: "tokens", Start: start, End: end, NeedsRPC: true,
		Command: func(endpoint string) string {
			return fmt.Sprintf(`%s filter_items -i %s -p "item['is_erc20'] or item['is_erc721']" | %s extract_field -f address -o %s && %s export_tokens --token-addresses %s --provider-uri %s --output %s`,
				c.Bin, c.path(ContractsCSV), c.Bin, c.path(TokenAddressesTXT),
				c.Bin, c.path(TokenAddressesTXT), shellQuote(endpoint), c.path(TokensCSV))
		},
	}
}

// TokenTransfers is derived from logs and runs without a node.
func (c Commands) TokenTransfers(start, end int64) Operation {
	return Operation{
		Name: "token_transfers", Start: start, End: end,
		Command: func(string) string {
			return fmt.Sprintf("%s extract_token_transfers --logs %s --output %s",
				c.Bin, c.path(LogsCSV), c.path(TokenTransfersCSV))
		},
	}
}

func (c Commands) Traces(start, end int64) Operation {
	return Operation{
		Name: "traces", Start: start, End: end, NeedsRPC: true,
		Command: func(endpoint string) string {
			return fmt.Sprintf("%s export_traces --start-block %d --end-block %d --provider-uri %s --batch-size 100 --output %s",
				c.Bin, start, end, shellQuote(endpoint), c.path(TracesCSV))
		},
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
