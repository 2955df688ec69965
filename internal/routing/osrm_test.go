package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
)

var (
	home   = models.Coord{Lon: 2.879, Lat: 50.200}
	office = models.Coord{Lon: 2.756, Lat: 50.291}
)

const okBody = `{"code":"Ok","routes":[
 {"duration":1260.5,"distance":15400,"geometry":{"coordinates":[[2.879,50.2],[2.81,50.25],[2.756,50.291]]}},
 {"duration":1400,"distance":16100,"geometry":{"coordinates":[[2.879,50.2],[2.756,50.291]]}}]}`

func mirror(t *testing.T, status int, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FirstMirrorSucceeds(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.String()
		fmt.Fprint(w, okBody)
	}))
	defer srv.Close()

	c := NewClient([]string{srv.URL}, time.Second, nil)
	res, err := c.Route(context.Background(), []models.Coord{home, office}, true)
	require.NoError(t, err)

	assert.Equal(t, 1260.5, res.Primary.DurationSeconds)
	assert.Equal(t, 15400.0, res.Primary.DistanceMeters)
	assert.Len(t, res.Primary.Geometry, 3)
	assert.Equal(t, models.Coord{Lon: 2.756, Lat: 50.291}, res.Primary.Geometry[2])
	require.Len(t, res.Alternatives, 1)
	assert.True(t, strings.HasPrefix(path, "/route/v1/driving/2.879000,50.200000;2.756000,50.291000?"), path)
	assert.Contains(t, path, "overview=full")
	assert.Contains(t, path, "geometries=geojson")
	assert.Contains(t, path, "alternatives=3")
}

func TestClient_FallsBackAcrossMirrors(t *testing.T) {
	var down, empty, up int32
	m1 := mirror(t, http.StatusBadGateway, "", &down)
	m2 := mirror(t, http.StatusOK, `{"code":"NoRoute","routes":[]}`, &empty)
	m3 := mirror(t, http.StatusOK, okBody, &up)

	c := NewClient([]string{m1.URL, m2.URL, m3.URL}, time.Second, nil)
	res, err := c.Route(context.Background(), []models.Coord{home, office}, false)

	require.NoError(t, err)
	assert.Equal(t, 1260.5, res.Primary.DurationSeconds)
	assert.EqualValues(t, 1, atomic.LoadInt32(&down))
	assert.EqualValues(t, 1, atomic.LoadInt32(&empty))
	assert.EqualValues(t, 1, atomic.LoadInt32(&up))
}

func TestClient_AllMirrorsDown(t *testing.T) {
	m1 := mirror(t, http.StatusInternalServerError, "", nil)
	m2 := mirror(t, http.StatusOK, `not json`, nil)

	c := NewClient([]string{m1.URL, m2.URL}, time.Second, nil)
	_, err := c.Route(context.Background(), []models.Coord{home, office}, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRoutingUnavailable)
}

func TestClient_SlowMirrorHitsDeadline(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	c := NewClient([]string{slow.URL}, 50*time.Millisecond, nil)
	start := time.Now()
	_, err := c.Route(context.Background(), []models.Coord{home, office}, false)

	assert.ErrorIs(t, err, models.ErrRoutingUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_HungMirrorFallsThroughToNext(t *testing.T) {
	block := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer hung.Close()
	defer close(block)
	var up int32
	good := mirror(t, http.StatusOK, okBody, &up)

	c := NewClient([]string{hung.URL, good.URL}, 300*time.Millisecond, nil)
	res, err := c.Route(context.Background(), []models.Coord{home, office}, false)

	require.NoError(t, err)
	assert.Equal(t, 1260.5, res.Primary.DurationSeconds)
	assert.EqualValues(t, 1, atomic.LoadInt32(&up))
}

func TestClient_CallerDeadlineStopsFallback(t *testing.T) {
	var up int32
	good := mirror(t, http.StatusOK, okBody, &up)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient([]string{good.URL}, time.Second, nil)
	_, err := c.Route(ctx, []models.Coord{home, office}, false)

	assert.ErrorIs(t, err, models.ErrRoutingUnavailable)
	assert.EqualValues(t, 0, atomic.LoadInt32(&up))
}

func TestClient_RejectsBadInput(t *testing.T) {
	c := NewClient([]string{"http://unused"}, time.Second, nil)

	_, err := c.Route(context.Background(), []models.Coord{home}, false)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = c.Route(context.Background(), []models.Coord{home, {Lon: 200, Lat: 0}}, false)
	assert.ErrorIs(t, err, models.ErrValidation)
}

type countingRouter struct {
	calls int
	err   error
}

func (c *countingRouter) Route(_ context.Context, wps []models.Coord, _ bool) (Result, error) {
	c.calls++
	if c.err != nil {
		return Result{}, c.err
	}
	return Result{Primary: models.Route{DurationSeconds: float64(60 * len(wps))}}, nil
}

func TestMemo_DeduplicatesLegs(t *testing.T) {
	upstream := &countingRouter{}
	m := NewMemo(upstream)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		leg, err := m.Leg(ctx, home, office)
		require.NoError(t, err)
		assert.Equal(t, 120.0, leg.DurationSeconds)
	}
	// rounding to 5 decimals folds sub-meter noise into the same key
	_, err := m.Leg(ctx, models.Coord{Lon: 2.879000001, Lat: 50.2}, office)
	require.NoError(t, err)

	_, err = m.Leg(ctx, office, home)
	require.NoError(t, err)

	assert.Equal(t, 2, upstream.calls)
	assert.Equal(t, 2, m.Calls())
}

func TestMemo_DoesNotCacheFailures(t *testing.T) {
	upstream := &countingRouter{err: models.RoutingUnavailable(nil)}
	m := NewMemo(upstream)

	_, err := m.Leg(context.Background(), home, office)
	require.Error(t, err)
	upstream.err = nil
	_, err = m.Leg(context.Background(), home, office)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls)
}

func TestBounded_AppliesDeadline(t *testing.T) {
	var deadline time.Time
	r := Bounded(routerFunc(func(ctx context.Context, _ []models.Coord, _ bool) (Result, error) {
		deadline, _ = ctx.Deadline()
		return Result{}, nil
	}), 5*time.Second)

	_, err := r.Route(context.Background(), []models.Coord{home, office}, false)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, time.Second)
}

type routerFunc func(ctx context.Context, wps []models.Coord, alt bool) (Result, error)

func (f routerFunc) Route(ctx context.Context, wps []models.Coord, alt bool) (Result, error) {
	return f(ctx, wps, alt)
}
