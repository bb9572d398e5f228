package api

import (
	"net/http"

	"github.com/chittyos/evidence-core/internal/server"
)

// NewRouter wires every handler onto a ServeMux.
func NewRouter(srv *server.Server) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", HealthHandler(srv))

	mux.Handle("POST /api/v1/documents", DocumentsHandler(srv))
	mux.Handle("GET /api/v1/documents/{id}", DocumentHandler(srv))

	mux.Handle("POST /api/v1/search", SearchHandler(srv))

	mux.Handle("GET /api/v1/entities/{id}", EntityHandler(srv))
	mux.Handle("POST /api/v1/authority/path", AuthorityPathHandler(srv))

	mux.Handle("GET /api/v1/duplicates", DuplicatesHandler(srv))
	mux.Handle("POST /api/v1/duplicates/scan", DuplicateScanHandler(srv))
	mux.Handle("POST /api/v1/duplicates/{pair}/confirm", DuplicateDecisionHandler(srv, "confirm"))
	mux.Handle("POST /api/v1/duplicates/{pair}/reject", DuplicateDecisionHandler(srv, "reject"))

	mux.Handle("GET /api/v1/gaps", GapsHandler(srv))
	mux.Handle("POST /api/v1/gaps/{id}/resolve", GapResolveHandler(srv))
	mux.Handle("POST /api/v1/gaps/{id}/candidates/{cid}/confirm", GapCandidateVoteHandler(srv, "confirm"))
	mux.Handle("POST /api/v1/gaps/{id}/candidates/{cid}/reject", GapCandidateVoteHandler(srv, "reject"))

	mux.Handle("POST /api/v1/rules", RulesHandler(srv))
	mux.Handle("POST /api/v1/rules/{id}/activate", RuleActivateHandler(srv))
	mux.Handle("POST /api/v1/rules/{id}/apply", RuleApplyHandler(srv))

	mux.Handle("GET /api/v1/queue", QueueHandler(srv))
	mux.Handle("POST /api/v1/queue/approve", QueueDecisionHandler(srv, "approve"))
	mux.Handle("POST /api/v1/queue/reject", QueueDecisionHandler(srv, "reject"))
	mux.Handle("POST /api/v1/queue/bulk-apply", QueueBulkApplyHandler(srv))
	mux.Handle("POST /api/v1/scan-errors", ScanErrorsHandler(srv))

	return mux
}
