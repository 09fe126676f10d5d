package structure

import (
	"fmt"
	"math"
	"sort"

	"github.com/calypsokit/calydb/internal/types"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MatcherConfig holds the tolerances of the fingerprint matcher.
// Lengths are expressed as fractions of the average free length per atom,
// (V / N)^(1/3), so they do not depend on the cell chosen.
type MatcherConfig struct {
	// LTol is the allowed fractional difference in volume per atom when
	// Scale is false.
	// Default: 0.2
	LTol float64

	// STol is the largest allowed difference between corresponding
	// neighbour distances of two site environments.
	// Default: 0.3
	STol float64

	// Scale normalizes both structures to the same volume per atom before
	// comparing, so uniformly strained copies match.
	// Default: true
	Scale bool

	// Neighbors is the number of nearest neighbours of each species that
	// make up a site environment.
	// Default: 12, Range: 1-64
	Neighbors int
}

// DefaultMatcherConfig returns the default matcher tolerances
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		LTol:      0.2,
		STol:      0.3,
		Scale:     true,
		Neighbors: 12,
	}
}

// Validate checks if the configuration has valid values
func (c MatcherConfig) Validate() error {
	if c.LTol <= 0 || c.LTol >= 1 {
		return fmt.Errorf("ltol must be in (0, 1) (got %v)", c.LTol)
	}
	if c.STol <= 0 || c.STol >= 1 {
		return fmt.Errorf("stol must be in (0, 1) (got %v)", c.STol)
	}
	if c.Neighbors < 1 || c.Neighbors > 64 {
		return fmt.Errorf("neighbors must be between 1 and 64 (got %d)", c.Neighbors)
	}
	return nil
}

// Matcher compares structures by their site environments: for every site,
// the sorted distances to its nearest neighbours of each species. Two
// structures match when they have the same reduced composition and every
// environment occurs with the same site fraction in both. The comparison is
// invariant to the choice of cell, supercells, site order and rigid motion.
type Matcher struct {
	cfg MatcherConfig
}

// NewMatcher creates a matcher with the given tolerances
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matcher config: %w", err)
	}
	return &Matcher{cfg: cfg}, nil
}

// Match implements Comparator
func (m *Matcher) Match(a, b *types.Structure) MatchResult {
	if a == nil || b == nil {
		return Failed(fmt.Errorf("cannot compare a missing structure"))
	}
	if err := a.Validate(); err != nil {
		return Failed(fmt.Errorf("first structure: %w", err))
	}
	if err := b.Validate(); err != nil {
		return Failed(fmt.Errorf("second structure: %w", err))
	}

	if !sameReducedComposition(a.Composition(), b.Composition()) {
		return NoMatch()
	}

	unitA := math.Cbrt(a.Volume() / float64(a.NumAtoms()))
	unitB := math.Cbrt(b.Volume() / float64(b.NumAtoms()))
	if !m.cfg.Scale {
		ratio := math.Pow(unitA/unitB, 3)
		if ratio > 1+m.cfg.LTol || ratio < 1/(1+m.cfg.LTol) {
			return NoMatch()
		}
		unitB = unitA
	}

	species := sortedSpecies(a.Composition())
	envA, err := environments(a, species, m.cfg.Neighbors, unitA)
	if err != nil {
		return Failed(fmt.Errorf("first structure: %w", err))
	}
	envB, err := environments(b, species, m.cfg.Neighbors, unitB)
	if err != nil {
		return Failed(fmt.Errorf("second structure: %w", err))
	}

	for _, sp := range species {
		if !sameEnvironmentFractions(envA[sp], envB[sp], m.cfg.STol) {
			return NoMatch()
		}
	}
	return Match()
}

func sameReducedComposition(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	ga, gb := 0, 0
	for _, n := range a {
		ga = gcd(ga, n)
	}
	for _, n := range b {
		gb = gcd(gb, n)
	}
	for sp, n := range a {
		if b[sp]*ga != n*gb {
			return false
		}
	}
	return true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func sortedSpecies(comp map[string]int) []string {
	out := make([]string, 0, len(comp))
	for sp := range comp {
		out = append(out, sp)
	}
	sort.Strings(out)
	return out
}

// environments returns, per species, one vector per site of that species:
// the k nearest neighbour distances to each species in turn, divided by unit.
func environments(s *types.Structure, species []string, k int, unit float64) (map[string][][]float64, error) {
	lattice := [3]r3.Vec{}
	for i, row := range s.Cell {
		lattice[i] = r3.Vec{X: row[0], Y: row[1], Z: row[2]}
	}

	sites, err := wrapPositions(s)
	if err != nil {
		return nil, err
	}

	speciesIndex := make(map[string]int, len(species))
	for i, sp := range species {
		speciesIndex[sp] = i
	}

	// Plane spacings bound how many images are needed for a given radius
	volume := s.Volume()
	var spacing [3]float64
	for i := 0; i < 3; i++ {
		spacing[i] = volume / r3.Norm(r3.Cross(lattice[(i+1)%3], lattice[(i+2)%3]))
	}

	radius := 2 * unit * math.Cbrt(float64(k))
	for attempt := 0; attempt < 8; attempt++ {
		dists, complete := neighbourShells(sites, s.Species, speciesIndex, lattice, spacing, radius, k)
		if complete {
			out := make(map[string][][]float64, len(species))
			for i, sp := range s.Species {
				env := make([]float64, 0, k*len(species))
				for _, d := range dists[i] {
					sort.Float64s(d)
					for _, x := range d[:k] {
						env = append(env, x/unit)
					}
				}
				out[sp] = append(out[sp], env)
			}
			return out, nil
		}
		radius *= 2
	}
	return nil, fmt.Errorf("could not find %d neighbours per species within %.3g", k, radius)
}

// wrapPositions maps every cartesian position into the home cell
func wrapPositions(s *types.Structure) ([]r3.Vec, error) {
	cell := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			cell.Set(i, j, s.Cell[i][j])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(cell); err != nil {
		return nil, fmt.Errorf("cell is not invertible: %w", err)
	}

	out := make([]r3.Vec, len(s.Positions))
	for i, p := range s.Positions {
		cart := mat.NewDense(1, 3, []float64{p[0], p[1], p[2]})
		var frac mat.Dense
		frac.Mul(cart, &inv)
		for j := 0; j < 3; j++ {
			f := frac.At(0, j)
			frac.Set(0, j, f-math.Floor(f))
		}
		var wrapped mat.Dense
		wrapped.Mul(&frac, cell)
		out[i] = r3.Vec{X: wrapped.At(0, 0), Y: wrapped.At(0, 1), Z: wrapped.At(0, 2)}
	}
	return out, nil
}

// neighbourShells collects, for each site and each species, every distance
// to a periodic image within radius. complete reports whether every list
// holds at least k distances.
func neighbourShells(sites []r3.Vec, siteSpecies []string, speciesIndex map[string]int,
	lattice [3]r3.Vec, spacing [3]float64, radius float64, k int) ([][][]float64, bool) {

	var n [3]int
	for i := range n {
		n[i] = int(math.Ceil(radius / spacing[i]))
	}

	dists := make([][][]float64, len(sites))
	for i := range dists {
		dists[i] = make([][]float64, len(speciesIndex))
	}

	for n0 := -n[0]; n0 <= n[0]; n0++ {
		for n1 := -n[1]; n1 <= n[1]; n1++ {
			for n2 := -n[2]; n2 <= n[2]; n2++ {
				shift := r3.Add(r3.Add(
					r3.Scale(float64(n0), lattice[0]),
					r3.Scale(float64(n1), lattice[1])),
					r3.Scale(float64(n2), lattice[2]))
				home := n0 == 0 && n1 == 0 && n2 == 0
				for i, pi := range sites {
					for j, pj := range sites {
						if home && i == j {
							continue
						}
						d := r3.Norm(r3.Sub(r3.Add(pj, shift), pi))
						if d <= radius {
							sp := speciesIndex[siteSpecies[j]]
							dists[i][sp] = append(dists[i][sp], d)
						}
					}
				}
			}
		}
	}

	for i := range dists {
		for _, d := range dists[i] {
			if len(d) < k {
				return dists, false
			}
		}
	}
	return dists, true
}

// sameEnvironmentFractions reports whether every environment of either set
// covers the same fraction of sites in both sets.
func sameEnvironmentFractions(a, b [][]float64, tol float64) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	eps := 0.5 / float64(max(len(a), len(b)))
	for _, ref := range append(append([][]float64{}, a...), b...) {
		fa := fractionWithin(a, ref, tol)
		fb := fractionWithin(b, ref, tol)
		if math.Abs(fa-fb) > eps {
			return false
		}
	}
	return true
}

func fractionWithin(envs [][]float64, ref []float64, tol float64) float64 {
	n := 0
	for _, env := range envs {
		if maxAbsDiff(env, ref) <= tol {
			n++
		}
	}
	return float64(n) / float64(len(envs))
}

func maxAbsDiff(a, b []float64) float64 {
	worst := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > worst {
			worst = d
		}
	}
	return worst
}
