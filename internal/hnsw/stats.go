package hnsw

import "strconv"

// LevelStats describes one layer of the graph.
type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections int
}

// Stats is a point-in-time description of the graph.
type Stats struct {
	Parameters map[string]string
	Storage    map[string]string
	Levels     []LevelStats
}

// Stats returns statistics about the graph.
func (h *Index) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	levels := make([]LevelStats, h.maxLevel+1)
	for i := range levels {
		levels[i].Level = i
	}
	for _, n := range h.nodes {
		for l := 0; l <= n.level && l < len(levels); l++ {
			levels[l].Nodes++
			levels[l].Connections += len(n.connections[l])
		}
	}
	for i := range levels {
		if levels[i].Nodes > 0 {
			levels[i].AvgConnections = levels[i].Connections / levels[i].Nodes
		}
	}

	return Stats{
		Parameters: map[string]string{
			"Space":          string(h.opts.Space),
			"M":              strconv.Itoa(h.mmax),
			"M0":             strconv.Itoa(h.mmax0),
			"EFConstruction": strconv.Itoa(h.opts.EFConstruction),
			"EFSearch":       strconv.Itoa(h.opts.EFSearch),
		},
		Storage: map[string]string{
			"Dimension":    strconv.Itoa(h.dimension),
			"LiveNodes":    strconv.Itoa(len(h.live)),
			"RetiredNodes": strconv.Itoa(h.retired),
			"MaxLevel":     strconv.Itoa(h.maxLevel),
			"Floor":        strconv.FormatInt(h.floor, 10),
		},
		Levels: levels,
	}
}
