package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/savantaudio/internal/configflow"
	"github.com/nerrad567/savantaudio/internal/entry"
)

// Flow sources accepted by POST /flows.
const (
	flowSourceUser      = "user"
	flowSourceDiscovery = "discovery"
	flowSourceImport    = "import"
)

// startFlowRequest is the body of POST /flows. Discovery flows carry the
// announced address; import flows carry the switch data and, optionally,
// the options to apply.
type startFlowRequest struct {
	Source   string         `json:"source"`
	IP       string         `json:"ip,omitempty"`
	Hostname string         `json:"hostname,omitempty"`
	Host     string         `json:"host,omitempty"`
	Port     int            `json:"port,omitempty"`
	Name     string         `json:"name,omitempty"`
	Options  *entry.Options `json:"options,omitempty"`
}

// handleListFlows returns the flows in progress.
func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	flows := s.flows.InProgress()
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows, "count": len(flows)})
}

// handleStartFlow starts a config flow and returns its first result.
func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var (
		res configflow.FlowResult
		err error
	)
	switch req.Source {
	case flowSourceUser, "":
		res = s.flows.StartUser(r.Context())
	case flowSourceDiscovery:
		if req.IP == "" {
			writeBadRequest(w, "ip is required for discovery flows")
			return
		}
		res, err = s.flows.StartDiscovery(r.Context(), configflow.DiscoveryInfo{
			IP:       req.IP,
			Hostname: req.Hostname,
			Port:     req.Port,
		})
	case flowSourceImport:
		res, err = s.flows.StartImport(r.Context(), entry.Data{
			Host: req.Host,
			Port: req.Port,
			Name: req.Name,
		}, req.Options)
	default:
		writeBadRequest(w, "unknown flow source: "+req.Source)
		return
	}
	if err != nil {
		writeDomainError(w, err, "failed to start flow")
		return
	}
	writeFlowResult(w, res)
}

// handleConfigureFlow submits input to the current step of a config flow.
func (s *Server) handleConfigureFlow(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.flows.Configure(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeDomainError(w, err, "failed to configure flow")
		return
	}
	writeFlowResult(w, res)
}

// handleAbortFlow drops an in-progress config or options flow.
func (s *Server) handleAbortFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Abort(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err, "failed to abort flow")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartOptions starts the options wizard for a config entry.
func (s *Server) handleStartOptions(w http.ResponseWriter, r *http.Request) {
	res, err := s.flows.StartOptions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to start options flow")
		return
	}
	writeFlowResult(w, res)
}

// handleConfigureOptions submits input to the current step of an options flow.
func (s *Server) handleConfigureOptions(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.flows.ConfigureOptions(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeDomainError(w, err, "failed to configure options flow")
		return
	}
	writeFlowResult(w, res)
}

// writeFlowResult answers 201 when a step created or updated an entry and
// 200 for forms and aborts.
func writeFlowResult(w http.ResponseWriter, res configflow.FlowResult) {
	status := http.StatusOK
	if res.Type == configflow.ResultCreateEntry {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// decodeInput reads a form submission. An empty body is an empty form.
func decodeInput(w http.ResponseWriter, r *http.Request) (configflow.Input, bool) {
	input := configflow.Input{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return nil, false
	}
	return input, true
}
