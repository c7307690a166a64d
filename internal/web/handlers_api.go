package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"
	"atlas-audio-control/internal/store"
)

// DeviceView is the API representation of a registered device.
type DeviceView struct {
	ID                string                 `json:"id"`
	Host              string                 `json:"host"`
	Model             string                 `json:"model"`
	State             string                 `json:"state"`
	ConnectionHistory *store.ConnectionState `json:"connection_history,omitempty"`
}

func (s *Server) deviceView(id string) (DeviceView, error) {
	ep, err := s.ctrl.Endpoint(id)
	if err != nil {
		return DeviceView{}, err
	}
	st, err := s.ctrl.SessionState(id)
	if err != nil {
		return DeviceView{}, err
	}
	v := DeviceView{ID: ep.ID, Host: ep.Host, Model: ep.Model, State: st.String()}
	if cs, err := s.ctrl.Store().GetConnectionState(id); err == nil {
		v.ConnectionHistory = cs
	}
	return v, nil
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	ids := s.ctrl.Devices()
	views := make([]DeviceView, 0, len(ids))
	for _, id := range ids {
		v, err := s.deviceView(id)
		if err != nil {
			continue
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	v, err := s.deviceView(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.Connect(r.Context(), id); err != nil {
		s.logger.Error("api connect", "device", id, "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.Disconnect(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commandRequest struct {
	Method   string          `json:"method"`
	Category string          `json:"category"`
	Index    int             `json:"index"`
	Format   string          `json:"format,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// commandValue builds the wire value from the request's format/value pair.
func (req *commandRequest) commandValue() (*atlas.Value, error) {
	if req.Value == nil {
		return nil, nil
	}
	switch atlas.Format(req.Format) {
	case atlas.FormatValue:
		var n float64
		if err := json.Unmarshal(req.Value, &n); err != nil {
			return nil, err
		}
		v := atlas.Absolute(n)
		return &v, nil
	case atlas.FormatPercent:
		var n float64
		if err := json.Unmarshal(req.Value, &n); err != nil {
			return nil, err
		}
		v := atlas.Percent(n)
		return &v, nil
	case atlas.FormatString:
		var str string
		if err := json.Unmarshal(req.Value, &str); err != nil {
			return nil, err
		}
		v := atlas.Text(str)
		return &v, nil
	default:
		return nil, errors.New("format must be val, pct or str")
	}
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	method := atlas.Method(req.Method)
	switch method {
	case atlas.MethodSet, atlas.MethodGet:
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "method must be set or get"})
		return
	}

	value, err := req.commandValue()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	p, err := s.ctrl.SendCommand(r.Context(), id, control.Command{
		Method:   method,
		Category: control.Category(req.Category),
		Index:    req.Index,
		Value:    value,
	})
	if err != nil {
		s.logger.Error("api command", "device", id, "method", req.Method, "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type setSourceRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleAPISetSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	zone, err := strconv.Atoi(r.PathValue("zone"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid zone"})
		return
	}

	var req setSourceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	p, err := s.ctrl.SetSourceByRef(r.Context(), id, zone, req.Source)
	if err != nil {
		s.logger.Error("api set source", "device", id, "zone", zone, "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIListParameters(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.Endpoint(id); err != nil {
		s.writeError(w, err)
		return
	}
	params, err := s.ctrl.Store().ListParameters(id)
	if err != nil {
		s.logger.Error("api list parameters", "device", id, "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleAPIGetParameter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid index"})
		return
	}
	p, err := s.ctrl.GetParameter(id, control.Category(r.PathValue("category")), index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAPIMeterReadings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid index"})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
	}
	readings, err := s.ctrl.RecentMeterReadings(id, atlas.MeterCategory(r.PathValue("category")), index, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	states, err := s.ctrl.Store().ListConnectionStates()
	if err != nil {
		s.logger.Error("api health", "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices":    states,
		"ws_clients": s.wsHub.ClientCount(),
	})
}

func (s *Server) handleAPIListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, control.Models())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeError maps controller errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, control.ErrValidation), errors.Is(err, control.ErrUnknownModel):
		status = http.StatusBadRequest
	case errors.Is(err, control.ErrUnknownDevice), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, atlas.ErrCommandTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, atlas.ErrNotConnected),
		errors.Is(err, atlas.ErrConnectionFailed),
		errors.Is(err, atlas.ErrDisconnected):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
