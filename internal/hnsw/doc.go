// Package hnsw implements a Hierarchical Navigable Small World graph whose
// nodes carry the log offsets that created and retired them, so a search can
// be answered as of any retained log position.
//
// # Visibility
//
// A node is visible at position P when created <= P < deleted. Live nodes
// carry deleted == [Head] and are visible from created on. Replacing a
// vector retires the old node and inserts a new one; retired nodes stay in
// the graph for navigation until [Index.Compact] drops history below a floor.
//
// # Parameters
//
//   - M: links per node on upper layers, 2*M on layer 0
//   - EFConstruction: candidate list size while inserting
//   - EFSearch: candidate list size while searching (raised to k if smaller)
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
