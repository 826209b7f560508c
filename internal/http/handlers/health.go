package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	report := api.conversions.Health(r.Context())
	status := http.StatusOK
	if !report.Database {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
