package service

import (
	"encoding/json"
	"net/http"

	"github.com/chessdojo/enginepool/commons"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// NewAdminRouter returns the admin HTTP routes, prometheus metrics plus cache and engine inspection
func NewAdminRouter(poolServer *PoolServer) *mux.Router {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/engines", func(w http.ResponseWriter, r *http.Request) {
		writeAdminJSON(w, http.StatusOK, poolServer.GetEngineManager().GetEngines())
	}).Methods("GET")

	router.HandleFunc("/cache/{name}/stats", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		stats, err := poolServer.GetCacheStats(r.Context(), name)
		if err != nil {
			writeAdminError(w, err)
			return
		}

		writeAdminJSON(w, http.StatusOK, stats)
	}).Methods("GET")

	router.HandleFunc("/cache/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		err := poolServer.ClearCacheByName(r.Context(), name)
		if err != nil {
			writeAdminError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")

	return router
}

func writeAdminJSON(w http.ResponseWriter, code int, body interface{}) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "writeAdminJSON",
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		logger.Warnf("Failed to write admin response: %v", err)
	}
}

func writeAdminError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if commons.IsConfigurationError(err) {
		code = http.StatusNotFound
	}

	writeAdminJSON(w, code, map[string]string{"error": err.Error()})
}
