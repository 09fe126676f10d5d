package types

import (
	"fmt"
	"math"
)

// Structure is the geometry of a periodic crystal structure.
// Cell rows are the lattice vectors; positions are cartesian, both in Angstrom.
type Structure struct {
	Species   []string      `json:"species" cbor:"1,keyasint"`
	Cell      [3][3]float64 `json:"cell" cbor:"2,keyasint"`
	Positions [][3]float64  `json:"positions" cbor:"3,keyasint"`
}

// Validate checks that the structure is well formed
func (s *Structure) Validate() error {
	if len(s.Species) == 0 {
		return fmt.Errorf("structure has no sites")
	}
	if len(s.Species) != len(s.Positions) {
		return fmt.Errorf("species and positions length mismatch (%d vs %d)", len(s.Species), len(s.Positions))
	}
	for i, sp := range s.Species {
		if sp == "" {
			return fmt.Errorf("site %d has empty species", i)
		}
	}
	for i, p := range s.Positions {
		for _, x := range p {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("site %d has non-finite coordinate", i)
			}
		}
	}
	if v := s.Volume(); v < 1e-6 {
		return fmt.Errorf("cell is degenerate (volume %.3g)", v)
	}
	return nil
}

// NumAtoms returns the number of sites
func (s *Structure) NumAtoms() int {
	return len(s.Species)
}

// Volume returns the cell volume in cubic Angstrom
func (s *Structure) Volume() float64 {
	a, b, c := s.Cell[0], s.Cell[1], s.Cell[2]
	det := a[0]*(b[1]*c[2]-b[2]*c[1]) -
		a[1]*(b[0]*c[2]-b[2]*c[0]) +
		a[2]*(b[0]*c[1]-b[1]*c[0])
	return math.Abs(det)
}

// Composition returns the number of sites per species
func (s *Structure) Composition() map[string]int {
	counts := make(map[string]int, 4)
	for _, sp := range s.Species {
		counts[sp]++
	}
	return counts
}
