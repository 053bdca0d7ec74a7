package tables

import (
	"fmt"
	"strings"
)

// Layer names one tier of the lakehouse.
type Layer string

const (
	LayerRaw                 Layer = "raw"
	LayerStage               Layer = "stage"
	LayerAnalytics           Layer = "analytics"
	LayerFeatures            Layer = "features"
	LayerFeaturesDataQuality Layer = "features_data_quality"
)

// ParseLayer validates a layer name from the command line.
func ParseLayer(s string) (Layer, error) {
	switch l := Layer(s); l {
	case LayerRaw, LayerStage, LayerAnalytics, LayerFeatures, LayerFeaturesDataQuality:
		return l, nil
	}
	return "", fmt.Errorf("unknown data lake layer %q", s)
}

// ShardMode says how an address-partitioned table is written.
type ShardMode int

const (
	Unsharded ShardMode = iota
	Parallel
	Sequential
)

func (m ShardMode) String() string {
	switch m {
	case Parallel:
		return "parallel"
	case Sequential:
		return "sequential"
	default:
		return "unsharded"
	}
}

// ShardPolicy fixes the chunk count and write mode of a table.
type ShardPolicy struct {
	Mode   ShardMode
	Chunks int
}

// Sharded reports whether the table is written chunk by chunk.
func (p ShardPolicy) Sharded() bool {
	return p.Mode != Unsharded && p.Chunks > 0
}

// SeedKind tells how a seed or checkpoint value is rendered.
type SeedKind int

const (
	SeedNumber SeedKind = iota
	SeedTimestamp
)

// Spec is the static ingestion contract of one target table.
type Spec struct {
	Name             string
	Layer            Layer
	CheckpointColumn string
	Seed             string
	SeedKind         SeedKind
	// PlusOne makes the checkpoint an inclusive lower bound (MAX+1).
	PlusOne bool
	// LatestPartitionOnly scopes the MAX to the newest date_partition.
	LatestPartitionOnly bool
	// SourceLayer overrides the layer whose database feeds the template.
	SourceLayer Layer
	Shard       ShardPolicy
	Maintenance bool
	// SyncField is the feature-store high-water mark field, if the table is synced.
	SyncField string
}

const timestampSeed = "2015-01-01 00:00:00.000"

// Tables run in these orders inside each layer.
var (
	StageTables = []string{
		"ethereum_logs",
		"ethereum_transactions",
		"ethereum_blocks",
		"ethereum_token_transfers",
		"ethereum_traces",
		"ethereum_contracts",
		"ethereum_tokens",
		"ethereum_tokens_metadata",
	}
	AnalyticsTables = []string{
		"ethereum_erc20_transactions",
		"ethereum_normal_transactions",
		"ethereum_internal_transactions",
		"ethereum_wallet_transactions",
	}
	FeatureTables = []string{
		"rugpull_features",
		"ethereum_wallet_features",
	}
)

// Lookup returns the ingestion contract of a table. Unknown names get the
// layer defaults so new templates work without code changes.
func Lookup(layer Layer, name string) Spec {
	s := Spec{
		Name:     name,
		Layer:    layer,
		Seed:     "0",
		SeedKind: SeedNumber,
	}

	switch layer {
	case LayerStage:
		s.LatestPartitionOnly = true
		switch name {
		case "ethereum_blocks":
			s.CheckpointColumn = "number"
		case "ethereum_contracts", "ethereum_tokens":
			s.CheckpointColumn = "block_timestamp"
		case "ethereum_tokens_metadata":
			s.CheckpointColumn = "created_timestamp"
		default:
			s.CheckpointColumn = "block_number"
		}
		switch name {
		case "ethereum_transactions":
			s.Seed = "46147"
		case "ethereum_logs":
			s.Seed = "52029"
		case "ethereum_token_transfers":
			s.Seed = "447767"
		case "ethereum_contracts", "ethereum_tokens", "ethereum_tokens_metadata":
			s.Seed, s.SeedKind = timestampSeed, SeedTimestamp
		}

	case LayerAnalytics:
		s.LatestPartitionOnly = true
		s.CheckpointColumn = "block_number"
		s.PlusOne = true
		switch name {
		case "ethereum_normal_transactions":
			s.Seed = "46147"
		case "ethereum_erc20_transactions":
			s.Seed = "447767"
		case "ethereum_wallet_transactions":
			s.SourceLayer = LayerAnalytics
			s.Shard = ShardPolicy{Mode: Parallel, Chunks: 10}
		}

	case LayerFeatures, LayerFeaturesDataQuality:
		s.SourceLayer = LayerAnalytics
		switch name {
		case "rugpull_features":
			s.CheckpointColumn = "last_interaction_timestamp"
			s.Maintenance = true
		case "ethereum_wallet_features":
			s.CheckpointColumn = "wallet_last_tx"
			s.Shard = ShardPolicy{Mode: Sequential, Chunks: 20}
			s.Maintenance = true
		default:
			s.CheckpointColumn = "wallet_last_tx"
		}
		s.SyncField = s.CheckpointColumn
	}
	return s
}

// Collection is the feature-store collection a table syncs into.
func (s Spec) Collection() string {
	return strings.TrimPrefix(s.Name, "ethereum_")
}
