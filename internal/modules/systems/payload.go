// Package systems stores trading system definitions and extracts the
// tickers their payload trees reference.
package systems

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// emptySlot marks an unfilled position in a payload tree
const emptySlot = "Empty"

// Node is one element of a system payload tree. A node is either a leaf
// carrying a positions list or a branch whose children map slots to
// sub-trees. Unknown fields are ignored: the engine never interprets
// strategy logic, only harvests tickers.
type Node struct {
	Positions []string          `json:"positions,omitempty"`
	Children  map[string][]Node `json:"children,omitempty"`
}

// ExtractTickers walks a payload tree depth-first and returns the sorted
// set of uppercased tickers it references. "Empty" slots are skipped.
func ExtractTickers(payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var root Node
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("failed to parse payload tree: %w", err)
	}

	seen := make(map[string]struct{})
	walk(&root, seen)

	tickers := make([]string, 0, len(seen))
	for ticker := range seen {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	return tickers, nil
}

// walk recurses through one node
func walk(node *Node, seen map[string]struct{}) {
	for _, ticker := range node.Positions {
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" || strings.EqualFold(ticker, emptySlot) {
			continue
		}
		seen[ticker] = struct{}{}
	}

	for _, children := range node.Children {
		for i := range children {
			walk(&children[i], seen)
		}
	}
}
