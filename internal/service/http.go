package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/vizcomplete/ttvc/idgen"
	"github.com/vizcomplete/ttvc/internal/config"
	"github.com/vizcomplete/ttvc/internal/sink"
	"github.com/vizcomplete/ttvc/kit"
)

// API is the surface the HTTP and MCP transports expose.
type API interface {
	Measure(ctx context.Context, pageID, pageURL string) (sink.Result, error)
	Results(ctx context.Context, pageID string, limit int) ([]sink.Result, error)
}

// NewHandler builds the HTTP router. The health endpoint is always open;
// the API group requires basic auth when configured.
func NewHandler(api API, cfg config.HTTPConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(requestMeta)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if cfg.BasicAuthUser != "" {
			r.Use(basicAuth(cfg.BasicAuthUser, cfg.BasicAuthHash))
		}

		r.Post("/api/measure", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				URL string `json:"url"`
				ID  string `json:"id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			ctx := kit.WithPageID(r.Context(), req.ID)
			res, err := api.Measure(ctx, req.ID, req.URL)
			if err != nil {
				if errors.Is(err, ErrNoURL) {
					writeError(w, 400, err)
					return
				}
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Get("/api/results", func(w http.ResponseWriter, r *http.Request) {
			pageID := r.URL.Query().Get("page_id")
			limit := queryInt(r, "limit", 0)
			results, err := api.Results(r.Context(), pageID, limit)
			if err != nil {
				if errors.Is(err, ErrNoStore) {
					writeError(w, 503, err)
					return
				}
				writeError(w, 500, err)
				return
			}
			if results == nil {
				results = []sink.Result{}
			}
			writeJSON(w, 200, results)
		})
	})

	return r
}

// requestMeta tags each request with an ID and the caller address.
func requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithRequestID(r.Context(), idgen.New())
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// basicAuth enforces HTTP basic auth against a bcrypt password hash. The
// plaintext password never appears in configuration.
func basicAuth(user, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="ttvc"`)
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
