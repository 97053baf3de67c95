package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(h.requireAuth)
		v1.Post("/evaluate", h.Evaluate)
		v1.Post("/corrections", h.Correct)
		v1.Post("/artifacts", h.PutArtifact)
		v1.Post("/pdos", h.RecordPDO)
		v1.Get("/pdos/{pdo_id}", h.GetPDO)
		v1.Get("/pdos/{pdo_id}/lineage", h.Lineage)
		v1.Post("/authorize", h.Authorize)
		v1.Get("/proofpacks/{pdo_id}", h.ProofPack)
		v1.Post("/proofpacks/verify", h.VerifyProofPack)
	})
	return r
}
