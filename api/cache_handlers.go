package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListDatasets handles GET /cache.
func (a *API) ListDatasets(w http.ResponseWriter, r *http.Request) {
	resp := ListDatasetsResponse{Datasets: []string{}}
	if a.cache != nil {
		resp.Datasets = a.cache.Datasets()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetDataset handles GET /cache/{dataset}. Warm data is served as is;
// a miss loads the dataset for the signed-in user.
func (a *API) GetDataset(w http.ResponseWriter, r *http.Request) {
	if a.cache == nil {
		writeError(w, http.StatusNotFound, "no datasets configured")
		return
	}
	state := providerFromContext(r.Context()).State()
	if state.User == nil {
		writeError(w, http.StatusUnauthorized, "session expired or signed out")
		return
	}
	data, err := a.cache.Fetch(r.Context(), state.User.ID, chi.URLParam(r, "dataset"))
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}
