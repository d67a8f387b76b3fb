package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// OSRMGateway implements Gateway against an OSRM-compatible HTTP endpoint.
//
// Transient failures (429/5xx, network errors) are retried with exponential
// backoff while respecting context cancellation. The gateway is safe for
// concurrent use.
type OSRMGateway struct {
	client  *http.Client
	baseURL string
	profile string
}

// NewOSRMGateway creates a gateway against the given base URL
// (e.g. "https://router.project-osrm.org").
func NewOSRMGateway(baseURL string, timeout time.Duration) (*OSRMGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("routing: base URL is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &OSRMGateway{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		profile: "driving",
	}, nil
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"` // meters
		Duration float64 `json:"duration"` // seconds
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
		} `json:"geometry"`
		Legs []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

// DrivingRoute fetches the driving route over the ordered waypoints.
func (g *OSRMGateway) DrivingRoute(ctx context.Context, waypoints []model.Location) (*RouteResult, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("routing: need at least 2 waypoints, got %d", len(waypoints))
	}

	coords := make([]string, 0, len(waypoints))
	for _, w := range waypoints {
		coords = append(coords, fmt.Sprintf("%f,%f", w.Lon, w.Lat))
	}

	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson&steps=false",
		g.baseURL, g.profile, strings.Join(coords, ";"))

	resp, err := g.doWithRetry(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("routing: fetch route: %w", err)
	}
	defer resp.Body.Close()

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("routing: decode response: %w", err)
	}

	if body.Code != "Ok" || len(body.Routes) == 0 {
		return nil, fmt.Errorf("routing: provider returned code %q with %d routes", body.Code, len(body.Routes))
	}

	route := body.Routes[0]
	if len(route.Legs) != len(waypoints)-1 {
		return nil, fmt.Errorf("routing: expected %d legs, got %d", len(waypoints)-1, len(route.Legs))
	}

	out := &RouteResult{
		TotalDistanceKm:      route.Distance / 1000.0,
		TotalDurationMinutes: route.Duration / 60.0,
		Legs:                 make([]LegResult, 0, len(route.Legs)),
	}
	for _, leg := range route.Legs {
		out.Legs = append(out.Legs, LegResult{
			DistanceKm:      leg.Distance / 1000.0,
			DurationMinutes: leg.Duration / 60.0,
		})
	}
	for _, c := range route.Geometry.Coordinates {
		if len(c) == 2 {
			out.Geometry = append(out.Geometry, model.Location{Lon: c[0], Lat: c[1]})
		}
	}

	return out, nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// doWithRetry retries transient failures (network errors, 429/5xx responses)
// using exponential backoff while respecting context cancellation.
func (g *OSRMGateway) doWithRetry(ctx context.Context, url string) (*http.Response, error) {
	const maxAttempts = 3
	backoff := 200 * time.Millisecond

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := g.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case http.StatusTooManyRequests,
				http.StatusInternalServerError,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout:
				retry = true
			}
		}

		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}

		if !retry || attempt == maxAttempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
	}

	return nil, lastErr
}

func (g *OSRMGateway) do(req *http.Request) (*http.Response, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}
