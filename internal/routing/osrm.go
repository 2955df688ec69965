// Package routing prices ordered waypoint lists against OSRM-compatible
// routing mirrors.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Router is the interface the itinerary engine prices routes through.
type Router interface {
	Route(ctx context.Context, waypoints []models.Coord, alternatives bool) (Result, error)
}

type Result struct {
	Primary      models.Route
	Alternatives []models.Route
}

const (
	DefaultTimeout      = 10 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	maxAlternatives     = 3
)

// Client performs route lookups against an ordered list of OSRM mirrors,
// moving to the next mirror on any transport error, non-200 status or
// empty answer. Timeout bounds each mirror's request; the caller's context
// bounds the whole call.
type Client struct {
	Mirrors []string
	HTTP    *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(mirrors []string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Mirrors: mirrors, HTTP: &http.Client{}, Timeout: timeout, Logger: logger}
}

var errNoRoute = errors.New("osrm no route")

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route returns the first successful mirror answer. It fails with a
// models.ErrRoutingUnavailable error once every mirror has been tried.
func (c *Client) Route(ctx context.Context, waypoints []models.Coord, alternatives bool) (Result, error) {
	if len(waypoints) < 2 {
		return Result{}, models.Validation("au moins deux points sont nécessaires")
	}
	for _, w := range waypoints {
		if err := w.Validate(); err != nil {
			return Result{}, err
		}
	}
	if len(c.Mirrors) == 0 {
		return Result{}, models.RoutingUnavailable(errors.New("no routing mirror configured"))
	}

	path := routePath(waypoints, alternatives)
	var lastErr error
	for _, mirror := range c.Mirrors {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		start := time.Now()
		res, err := c.fetchWithin(ctx, strings.TrimRight(mirror, "/")+path)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.RoutingRequests.WithLabelValues(mirror, outcome).Inc()
		observability.RoutingLatency.WithLabelValues(mirror).Observe(time.Since(start).Seconds())
		if err == nil {
			return res, nil
		}
		c.Logger.Warn("routing mirror failed", "mirror", mirror, "error", err)
		lastErr = err
	}
	return Result{}, models.RoutingUnavailable(lastErr)
}

func routePath(waypoints []models.Coord, alternatives bool) string {
	parts := make([]string, len(waypoints))
	for i, w := range waypoints {
		parts[i] = fmt.Sprintf("%.6f,%.6f", w.Lon, w.Lat)
	}
	alt := "false"
	if alternatives {
		alt = strconv.Itoa(maxAlternatives)
	}
	return "/route/v1/driving/" + strings.Join(parts, ";") + "?overview=full&geometries=geojson&alternatives=" + alt
}

func (c *Client) fetchWithin(ctx context.Context, url string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return c.fetch(ctx, url)
}

func (c *Client) fetch(ctx context.Context, url string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Result{}, fmt.Errorf("%w: %v", errNoRoute, out.Code)
	}
	routes := make([]models.Route, len(out.Routes))
	for i, r := range out.Routes {
		geom := make([]models.Coord, 0, len(r.Geometry.Coordinates))
		for _, p := range r.Geometry.Coordinates {
			if len(p) >= 2 {
				geom = append(geom, models.Coord{Lon: p[0], Lat: p[1]})
			}
		}
		routes[i] = models.Route{DurationSeconds: r.Duration, DistanceMeters: r.Distance, Geometry: geom}
	}
	return Result{Primary: routes[0], Alternatives: routes[1:]}, nil
}

// Bounded wraps r so each call gets its own deadline d. Detour probing
// uses the shorter DefaultProbeTimeout.
func Bounded(r Router, d time.Duration) Router {
	return boundedRouter{r: r, d: d}
}

type boundedRouter struct {
	r Router
	d time.Duration
}

func (b boundedRouter) Route(ctx context.Context, waypoints []models.Coord, alternatives bool) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.d)
	defer cancel()
	return b.r.Route(ctx, waypoints, alternatives)
}
