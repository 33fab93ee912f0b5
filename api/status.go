package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nvmexp/lw-firmware-sub127/daemon"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
	"github.com/nvmexp/lw-firmware-sub127/version"
)

// DomainState is one published domain as the status routes report it.
type DomainState struct {
	Domain string                 `json:"domain"`
	Sample perf.ClockDomainSample `json:"sample"`
}

// NewRouter serves read-only views of d:
//
//	GET /v1/domains           every published domain
//	GET /v1/domains/{domain}  one domain, by name
//	GET /v1/status            daemon and sequencer state
//	GET /v1/diag              last failure record, 204 if none
//	GET /v1/version
func NewRouter(d *daemon.Daemon) *mux.Router {
	h := &statusHandler{d: d}
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/domains", h.domains).Methods(http.MethodGet)
	v1.HandleFunc("/domains/{domain}", h.domain).Methods(http.MethodGet)
	v1.HandleFunc("/status", h.status).Methods(http.MethodGet)
	v1.HandleFunc("/diag", h.diag).Methods(http.MethodGet)
	v1.HandleFunc("/version", h.version).Methods(http.MethodGet)
	return r
}

type statusHandler struct {
	d *daemon.Daemon
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("api: encode response: %v", err)
	}
}

func (h *statusHandler) domains(w http.ResponseWriter, r *http.Request) {
	snap := h.d.Sequencer().Store().Snapshot()
	out := make([]DomainState, 0, len(snap))
	for _, id := range perf.AllDomains.Domains() {
		if s, ok := snap[id]; ok {
			out = append(out, DomainState{Domain: id.String(), Sample: s})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *statusHandler) domain(w http.ResponseWriter, r *http.Request) {
	id, err := perf.ParseClockDomain(mux.Vars(r)["domain"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, ok := h.d.Sequencer().Store().Read(id)
	if !ok {
		http.Error(w, id.String()+" not published", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, DomainState{Domain: id.String(), Sample: s})
}

func (h *statusHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Status())
}

func (h *statusHandler) diag(w http.ResponseWriter, r *http.Request) {
	st := h.d.Status()
	if st.LastDiag == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, st.LastDiag)
}

func (h *statusHandler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetVersionConfig(h.d.Sequencer().Chip().Family()))
}
