package httpx

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	healthPath         = "/healthz"
	healthCheckTimeout = 2 * time.Second
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthHandler runs every check concurrently. Any failing check turns the
// response into a 503 so orchestrators stop routing to this replica.
func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if len(names) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()

			results := make([]string, len(names))
			var wg sync.WaitGroup
			for i, name := range names {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := checks[name](ctx); err != nil {
						results[i] = err.Error()
						return
					}
					results[i] = "ok"
				}()
			}
			wg.Wait()

			resp.Checks = make(map[string]string, len(names))
			for i, name := range names {
				resp.Checks[name] = results[i]
				if results[i] != "ok" {
					resp.Status = "degraded"
				}
			}
		}

		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			return
		}
		WriteJSON(w, code, resp)
	}
}
