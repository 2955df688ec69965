package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
)

var (
	home   = models.Coord{Lon: 2.879, Lat: 50.200}
	office = models.Coord{Lon: 2.756, Lat: 50.291}
)

func TestHaversineZero(t *testing.T) {
	assert.Equal(t, 0.0, Haversine(0, 0, 0, 0))
}

func TestDistance_HomeOffice(t *testing.T) {
	d := Distance(home, office)
	// ~13 km as the crow flies
	assert.InDelta(t, 13000, d, 1500)
}

func TestNearest(t *testing.T) {
	cands := []models.Coord{office, {Lon: 2.850, Lat: 50.220}, {Lon: 2.830, Lat: 50.240}}
	assert.Equal(t, 1, Nearest(home, cands))
	assert.Equal(t, -1, Nearest(home, nil))
}

func TestCorridor_StraightRoute(t *testing.T) {
	c := NewCorridor([]models.Coord{home, office}, 2)

	assert.True(t, c.Contains(models.Coord{Lon: 2.850, Lat: 50.220}), "on-route passenger")
	assert.True(t, c.Contains(home), "endpoint")
	assert.False(t, c.Contains(models.Coord{Lon: 3.300, Lat: 50.600}), "far off route")
	assert.False(t, c.SelfIntersecting())
	assert.Len(t, c.Ring(), 4)
}

func TestCorridor_WidthControlsAdmission(t *testing.T) {
	// ~3.5 km east of the midpoint of the route
	p := models.Coord{Lon: 2.868, Lat: 50.255}
	assert.False(t, NewCorridor([]models.Coord{home, office}, 1).Contains(p))
	assert.True(t, NewCorridor([]models.Coord{home, office}, 6).Contains(p))
}

func TestCorridor_EndCaps(t *testing.T) {
	c := NewCorridor([]models.Coord{home, office}, 2)
	// slightly behind home, opposite the direction of travel
	behind := models.Coord{Lon: 2.889, Lat: 50.193}
	assert.True(t, c.Contains(behind))
}

func TestCorridor_SinglePoint(t *testing.T) {
	c := NewCorridor([]models.Coord{home, home}, 1)
	assert.True(t, c.Contains(home))
	assert.False(t, c.Contains(office))
}

func TestCorridor_Empty(t *testing.T) {
	assert.False(t, NewCorridor(nil, 5).Contains(home))
}

func TestCorridor_LoopingRouteAdmitsInsideAnyLoop(t *testing.T) {
	// A route that doubles back across itself: the offset ring is non-simple.
	line := []models.Coord{
		{Lon: 2.80, Lat: 50.20},
		{Lon: 2.90, Lat: 50.30},
		{Lon: 2.90, Lat: 50.20},
		{Lon: 2.80, Lat: 50.30},
	}
	c := NewCorridor(line, 1.5)
	require.True(t, c.SelfIntersecting())

	// the crossing point of the two diagonals
	assert.True(t, c.Contains(models.Coord{Lon: 2.85, Lat: 50.25}))
	// near the vertical leg
	assert.True(t, c.Contains(models.Coord{Lon: 2.905, Lat: 50.25}))
	assert.False(t, c.Contains(models.Coord{Lon: 3.20, Lat: 50.25}))
}
