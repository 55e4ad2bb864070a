/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into every log line
  2. Logger:     Structured request logging (logger.Middleware, zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/tenants/{tenantID}/templates/*   Recurring templates and catch-up
  /api/tenants/{tenantID}/invoices/*    Invoices (generated and manual)
  /api/tenants/{tenantID}/expenses/*    Expenses
  /api/tenants/{tenantID}/summary       Reconciled revenue summary
  /api/tenants/{tenantID}/tax-years/*   Calendar-year tax view
  /api/admin/run-due                    Manual RunDue trigger
  /api/runs                             Billing run history
  /api/scenarios/*                      Demo scenarios
  /*                                    Static files (frontend)

STATIC FILE SERVING:
  Serves a built frontend from web/dist/ when present. Falls back to
  index.html for client-side routing, or to a small endpoint index.

SECURITY NOTE:
  No authentication middleware. The tenant comes from the URL.

SEE ALSO:
  - handlers.go: Handler implementations
  - logger/http.go: request logging middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/logger"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log *zap.Logger) *chi.Mux {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Route("/templates", func(r chi.Router) {
				r.Get("/", h.ListTemplates)
				r.Post("/", h.CreateTemplate)
				r.Get("/{id}", h.GetTemplate)
				r.Delete("/{id}", h.DeleteTemplate)
				r.Put("/{id}/items", h.ReplaceTemplateItems)
				r.Post("/{id}/pause", h.PauseTemplate)
				r.Post("/{id}/resume", h.ResumeTemplate)
				r.Post("/{id}/cancel", h.CancelTemplate)
				r.Post("/{id}/catch-up", h.CatchUpTemplate)
			})

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Post("/", h.CreateInvoice)
				r.Post("/{id}/pay", h.PayInvoice)
				r.Delete("/{id}", h.DeleteInvoice)
			})

			r.Route("/expenses", func(r chi.Router) {
				r.Get("/", h.ListExpenses)
				r.Post("/", h.CreateExpense)
				r.Post("/{id}/deactivate", h.DeactivateExpense)
			})

			r.Get("/summary", h.GetSummary)
			r.Get("/tax-years/{year}", h.GetTaxYear)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/run-due", h.RunDue)
		})

		r.Get("/runs", h.ListRuns)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	// First try ./web/dist, then next to the executable
	staticDir := "./web/dist"
	if _, err := os.Stat(staticDir); os.IsNotExist(err) {
		exe, _ := os.Executable()
		staticDir = filepath.Join(filepath.Dir(exe), "web", "dist")
	}

	if _, err := os.Stat(staticDir); err == nil {
		fileServer := http.FileServer(http.Dir(staticDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			fullPath := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				// SPA routing
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	} else {
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(indexPage))
		})
	}

	return r
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Billing Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Billing Engine API</h1>
<p>No frontend is built. Load a scenario with <code>POST /api/scenarios/load</code>.</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
<li><a href="/api/tenants/demo/templates">/api/tenants/demo/templates</a> - Recurring templates</li>
<li><a href="/api/tenants/demo/invoices">/api/tenants/demo/invoices</a> - Invoices</li>
<li><a href="/api/tenants/demo/summary">/api/tenants/demo/summary</a> - Revenue summary</li>
<li><a href="/api/runs">/api/runs</a> - Billing runs</li>
</ul>
</body>
</html>`
