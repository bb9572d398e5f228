package api

import (
	"net/http"

	"github.com/chittyos/evidence-core/internal/server"
)

// HealthResponse reports service liveness and actor queue depths.
type HealthResponse struct {
	Status     string     `json:"status"`
	Database   string     `json:"database"`
	Pipeline   QueueStats `json:"pipeline"`
	Duplicates int        `json:"duplicateQueueDepth"`
	Guardian   int        `json:"guardianQueueDepth"`
}

// QueueStats is the pipeline engine's load snapshot.
type QueueStats struct {
	QueueDepth int `json:"queueDepth"`
	Inflight   int `json:"inflight"`
}

// HealthHandler answers liveness probes.
func HealthHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &HealthResponse{Status: "ok", Database: "ok"}

		sqlDB, err := srv.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
		}

		if srv.Engine != nil {
			resp.Pipeline = QueueStats{
				QueueDepth: srv.Engine.QueueDepth(),
				Inflight:   srv.Engine.InflightCount(),
			}
		}
		if srv.Hunter != nil {
			resp.Duplicates = srv.Hunter.QueueDepth()
		}
		if srv.Guardian != nil {
			resp.Guardian = srv.Guardian.QueueDepth()
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, resp)
	})
}
