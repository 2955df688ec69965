package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/example/carpool/internal/models"
)

// Memo caches route answers for the lifetime of one computation (one
// request). It is never shared across requests.
type Memo struct {
	r Router

	mu    sync.Mutex
	store map[string]Result
	calls int
}

func NewMemo(r Router) *Memo {
	return &Memo{r: r, store: make(map[string]Result)}
}

func keyFor(waypoints []models.Coord, alternatives bool) string {
	parts := make([]string, len(waypoints))
	for i, w := range waypoints {
		parts[i] = fmtCoord(w)
	}
	return fmt.Sprintf("%s|%t", strings.Join(parts, ";"), alternatives)
}

// rounded to ~1 m
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lon, c.Lat)
}

// Route answers from the memo when the same rounded waypoints were priced
// before. Failures are not cached.
func (m *Memo) Route(ctx context.Context, waypoints []models.Coord, alternatives bool) (Result, error) {
	k := keyFor(waypoints, alternatives)
	m.mu.Lock()
	res, ok := m.store[k]
	m.mu.Unlock()
	if ok {
		return res, nil
	}
	res, err := m.r.Route(ctx, waypoints, alternatives)
	if err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.store[k] = res
	m.calls++
	m.mu.Unlock()
	return res, nil
}

// Leg prices the two-point route a -> b.
func (m *Memo) Leg(ctx context.Context, a, b models.Coord) (models.Route, error) {
	res, err := m.Route(ctx, []models.Coord{a, b}, false)
	if err != nil {
		return models.Route{}, err
	}
	return res.Primary, nil
}

// Calls is the number of successful upstream lookups so far.
func (m *Memo) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
