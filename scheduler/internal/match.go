package internal

import (
	"github.com/gammadia/nodepool/inventory"
)

const (
	FieldID       = "id"
	FieldIPAddr   = "ipaddr"
	FieldHostname = "hostname"
)

type ProvisionMatch struct {
	// Matched maps node IDs to their result record.
	Matched map[int64]map[string]any
	// Leftover lists nodes without a valid record, in input order.
	Leftover []int64
	// Invalid records lack an address.
	Invalid []map[string]any
	// Unbound records were valid but no node was left for them.
	Unbound []map[string]any
}

// MatchProvisionResults binds provisioning records to nodes. A record whose
// id is one of the nodes binds to it, other records bind to the remaining
// nodes in order.
func MatchProvisionResults(nodeIDs []int64, records []map[string]any) ProvisionMatch {
	match := ProvisionMatch{Matched: map[int64]map[string]any{}}

	var valid []map[string]any
	for _, record := range records {
		if address, _ := record[FieldIPAddr].(string); address == "" {
			match.Invalid = append(match.Invalid, record)
			continue
		}
		valid = append(valid, record)
	}

	var positional []map[string]any
	for _, record := range valid {
		id, ok := record[FieldID]
		bound := false
		if ok {
			for _, nodeID := range nodeIDs {
				if _, taken := match.Matched[nodeID]; !taken && inventory.ValuesEqual(id, nodeID) {
					match.Matched[nodeID] = record
					bound = true
					break
				}
			}
		}
		if !bound {
			positional = append(positional, record)
		}
	}

	for _, nodeID := range nodeIDs {
		if _, ok := match.Matched[nodeID]; ok {
			continue
		}
		if len(positional) == 0 {
			match.Leftover = append(match.Leftover, nodeID)
			continue
		}
		match.Matched[nodeID] = positional[0]
		positional = positional[1:]
	}
	match.Unbound = positional

	return match
}

type DeprovisionMatch struct {
	Matched   map[int64]map[string]any
	Unmatched []int64
	Unused    []map[string]any
}

// MatchDeprovisionResults binds each node to the first unused record holding
// every field of the node's provisioning record.
func MatchDeprovisionResults(nodes []*inventory.Node, records []map[string]any) DeprovisionMatch {
	match := DeprovisionMatch{Matched: map[int64]map[string]any{}}
	used := make([]bool, len(records))

	for _, node := range nodes {
		provision := node.Data.Provision()
		found := false
		for i, record := range records {
			if used[i] || !inventory.ContainsData(record, provision) {
				continue
			}
			used[i] = true
			match.Matched[node.ID] = record
			found = true
			break
		}
		if !found {
			match.Unmatched = append(match.Unmatched, node.ID)
		}
	}

	for i, record := range records {
		if !used[i] {
			match.Unused = append(match.Unused, record)
		}
	}
	return match
}
