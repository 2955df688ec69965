package itinerary

import (
	"context"
	"sort"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

type Direction int

const (
	Outbound Direction = iota
	Return
)

func (d Direction) String() string {
	if d == Return {
		return "return"
	}
	return "outbound"
}

// LegPricer prices one a -> b leg. *routing.Memo satisfies it.
type LegPricer interface {
	Leg(ctx context.Context, a, b models.Coord) (models.Route, error)
}

// Stop is a passenger stop to be sequenced.
type Stop struct {
	ID    string
	Coord models.Coord
}

// Sequence is an ordered direction with its priced legs.
type Sequence struct {
	Direction       Direction
	Order           []Stop
	LegSeconds      []float64 // len(Order)+1
	DurationSeconds float64
	DirectSeconds   float64
	UsedMinutes     int
}

// DefaultExactLimit is the largest passenger set searched exhaustively.
const DefaultExactLimit = 6

const epsilon = 1e-6

// Sequencer orders the passengers of one direction on one day so the total
// driving time is minimal.
type Sequencer struct {
	ExactLimit int
}

func (s *Sequencer) exactLimit() int {
	if s.ExactLimit <= 0 {
		return DefaultExactLimit
	}
	return s.ExactLimit
}

// Sequence returns the cheapest ordering of stops between start and end.
// Up to ExactLimit stops every ordering is considered; above it a
// nearest-neighbour tour improved by 2-opt is used. hint, when it names
// exactly the same stops, is priced too and kept if strictly cheaper, so
// dropping a stop never makes the result worse than the previous order
// minus that stop. Budget is not enforced here.
func (s *Sequencer) Sequence(ctx context.Context, legs LegPricer, dir Direction, start, end models.Coord, stops []Stop, directSeconds float64, hint []string) (Sequence, error) {
	seq := Sequence{Direction: dir, DirectSeconds: directSeconds}
	if len(stops) == 0 {
		seq.LegSeconds = []float64{directSeconds}
		seq.DurationSeconds = directSeconds
		return seq, nil
	}

	sorted := append([]Stop(nil), stops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	m := &legMatrix{ctx: ctx, legs: legs, start: start, end: end, stops: sorted, cache: make(map[[2]int]float64)}

	var order []int
	var cost float64
	var err error
	if len(sorted) <= s.exactLimit() {
		order, cost, err = m.exact()
	} else {
		order, cost, err = m.heuristic()
	}
	if err != nil {
		return Sequence{}, err
	}

	if h := m.fromHint(hint); h != nil {
		hc, err := m.pathCost(h)
		if err != nil {
			return Sequence{}, err
		}
		if hc < cost-epsilon {
			order, cost = h, hc
		}
	}

	seq.Order = make([]Stop, len(order))
	for i, idx := range order {
		seq.Order[i] = sorted[idx]
	}
	seq.LegSeconds, err = m.legSeconds(order)
	if err != nil {
		return Sequence{}, err
	}
	seq.DurationSeconds = cost
	seq.UsedMinutes = usedMinutes(cost, directSeconds)
	return seq, nil
}

func usedMinutes(duration, direct float64) int {
	used := RoundMinutes(duration - direct)
	if used < 0 {
		return 0
	}
	return used
}

// legMatrix lazily prices legs between the endpoints and stops. Index -1
// is start, len(stops) is end.
type legMatrix struct {
	ctx   context.Context
	legs  LegPricer
	start models.Coord
	end   models.Coord
	stops []Stop
	cache map[[2]int]float64
}

func (m *legMatrix) coord(i int) models.Coord {
	switch {
	case i < 0:
		return m.start
	case i >= len(m.stops):
		return m.end
	}
	return m.stops[i].Coord
}

func (m *legMatrix) leg(from, to int) (float64, error) {
	k := [2]int{from, to}
	if v, ok := m.cache[k]; ok {
		return v, nil
	}
	r, err := m.legs.Leg(m.ctx, m.coord(from), m.coord(to))
	if err != nil {
		return 0, err
	}
	m.cache[k] = r.DurationSeconds
	return r.DurationSeconds, nil
}

func (m *legMatrix) legSeconds(order []int) ([]float64, error) {
	out := make([]float64, 0, len(order)+1)
	prev := -1
	for _, idx := range append(append([]int(nil), order...), len(m.stops)) {
		d, err := m.leg(prev, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		prev = idx
	}
	return out, nil
}

func (m *legMatrix) pathCost(order []int) (float64, error) {
	legs, err := m.legSeconds(order)
	if err != nil {
		return 0, err
	}
	return sum(legs), nil
}

// exact enumerates orderings in lexicographic order of stop index (stops
// are sorted by ID) and keeps the first strictly cheapest, so ties go to
// the earliest reservation ids. Partial paths already as expensive as the
// best complete one are pruned.
func (m *legMatrix) exact() ([]int, float64, error) {
	n := len(m.stops)
	best := make([]int, 0, n)
	bestCost := -1.0
	used := make([]bool, n)
	path := make([]int, 0, n)

	var walk func(prev int, partial float64) error
	walk = func(prev int, partial float64) error {
		if bestCost >= 0 && partial >= bestCost-epsilon {
			return nil
		}
		if len(path) == n {
			last, err := m.leg(prev, n)
			if err != nil {
				return err
			}
			total := partial + last
			if bestCost < 0 || total < bestCost-epsilon {
				bestCost = total
				best = append(best[:0], path...)
			}
			return nil
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			d, err := m.leg(prev, i)
			if err != nil {
				return err
			}
			used[i] = true
			path = append(path, i)
			if err := walk(i, partial+d); err != nil {
				return err
			}
			path = path[:len(path)-1]
			used[i] = false
		}
		return nil
	}
	if err := walk(-1, 0); err != nil {
		return nil, 0, err
	}
	return best, bestCost, nil
}

// heuristic seeds with the stop geographically closest to start, extends
// by the cheapest next leg, then applies 2-opt until no reversal helps.
func (m *legMatrix) heuristic() ([]int, float64, error) {
	n := len(m.stops)
	coords := make([]models.Coord, n)
	for i, s := range m.stops {
		coords[i] = s.Coord
	}
	order := make([]int, 0, n)
	used := make([]bool, n)
	first := geo.Nearest(m.start, coords)
	order = append(order, first)
	used[first] = true
	for len(order) < n {
		prev := order[len(order)-1]
		next, nextCost := -1, 0.0
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			d, err := m.leg(prev, i)
			if err != nil {
				return nil, 0, err
			}
			if next < 0 || d < nextCost-epsilon {
				next, nextCost = i, d
			}
		}
		order = append(order, next)
		used[next] = true
	}

	cost, err := m.pathCost(order)
	if err != nil {
		return nil, 0, err
	}
	for improved := true; improved; {
		improved = false
		for i := 0; i < n-1; i++ {
			for j := i + 1; j < n; j++ {
				cand := twoOptSwap(order, i, j)
				c, err := m.pathCost(cand)
				if err != nil {
					return nil, 0, err
				}
				if c < cost-epsilon {
					order, cost, improved = cand, c, true
				}
			}
		}
	}
	return order, cost, nil
}

func twoOptSwap(order []int, i, j int) []int {
	out := append([]int(nil), order...)
	for a, b := i, j; a < b; a, b = a+1, b-1 {
		out[a], out[b] = out[b], out[a]
	}
	return out
}

// fromHint maps a previous order of ids onto stop indexes; nil unless the
// hint covers exactly the current stops.
func (m *legMatrix) fromHint(hint []string) []int {
	if len(hint) != len(m.stops) {
		return nil
	}
	pos := make(map[string]int, len(m.stops))
	for i, s := range m.stops {
		pos[s.ID] = i
	}
	out := make([]int, 0, len(hint))
	seen := make(map[int]bool, len(hint))
	for _, id := range hint {
		i, ok := pos[id]
		if !ok || seen[i] {
			return nil
		}
		seen[i] = true
		out = append(out, i)
	}
	return out
}
