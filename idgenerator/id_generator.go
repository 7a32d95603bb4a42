// Package idgenerator hands out process-unique identifiers for live
// connections.
package idgenerator

import "sync/atomic"

// Generator returns increasing uint64 IDs and is safe for concurrent use.
// The zero value is ready and its first ID is 1.
type Generator struct {
	last atomic.Uint64
}

// Next returns the next ID.
func (g *Generator) Next() uint64 {
	return g.last.Add(1)
}
