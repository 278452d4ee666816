package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/meshcoord/internal/model"
)

// ListNodeRecords reads every unexpired node liveness record, ordered by node id.
// Records that vanish between the scan and the read are skipped.
func ListNodeRecords(ctx context.Context, kv KVStore, logger *zap.Logger) ([]model.NodeRecord, error) {
	keys, err := kv.Keys(ctx, model.NodeRecordPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list node records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	ops := make([]Op, len(keys))
	for i, k := range keys {
		ops[i] = Op{Type: OpGet, Key: k}
	}
	results, err := kv.Pipeline(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("failed to read node records: %w", err)
	}

	records := make([]model.NodeRecord, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		var rec model.NodeRecord
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			logger.Warn("Skipping undecodable node record",
				zap.String("key", keys[i]),
				zap.Error(err))
			continue
		}
		if rec.NodeID == "" {
			rec.NodeID = strings.TrimPrefix(keys[i], model.NodeRecordPrefix)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].NodeID < records[j].NodeID })
	return records, nil
}

// GetNodeRecord reads the liveness record of one node
func GetNodeRecord(ctx context.Context, kv KVStore, nodeID string) (*model.NodeRecord, error) {
	data, err := kv.Get(ctx, model.NodeRecordKey(nodeID))
	if err != nil {
		return nil, err
	}
	var rec model.NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode node record %s: %w", nodeID, err)
	}
	return &rec, nil
}
