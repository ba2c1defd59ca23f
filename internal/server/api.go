package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/shaunagostinho/olr-bridge/internal/bridge"
	"github.com/shaunagostinho/olr-bridge/internal/protocol"
)

const maxBodyBytes = 4096

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Success     bool    `json:"success"`
	ID          string  `json:"id"`
	Command     string  `json:"command"`
	Description string  `json:"description"`
	Response    string  `json:"response"`
	Timestamp   float64 `json:"timestamp"`
}

type trackRequest struct {
	Track int `json:"track"`
}

type connectRequest struct {
	Port string `json:"port"`
}

type resultsResponse struct {
	Success   bool            `json:"success"`
	Results   []bridge.Result `json:"results"`
	Error     string          `json:"error,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

type errorResponse struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error"`
	Timestamp float64 `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Timestamp: unixSeconds(time.Now()),
	})
}

// errorStatus maps bridge errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrInvalidToken):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a small JSON body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ports, err := s.ports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.bridge.Send(r.Context(), req.Command)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	if req.Command == protocol.TokenGo || req.Command == protocol.TokenReset {
		log.Printf("[server] %s processed", protocol.Describe(req.Command))
	}

	writeJSON(w, http.StatusOK, commandResponse{
		Success:     true,
		ID:          ksuid.New().String(),
		Command:     req.Command,
		Description: protocol.Describe(req.Command),
		Response:    resp,
		Timestamp:   unixSeconds(time.Now()),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Port == "" {
		req.Port = s.cfg.Serial.PortPath
	}
	if err := s.bridge.Connect(req.Port); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.bridge.Disconnect(); err != nil {
		log.Printf("[server] disconnect: %v", err)
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.SpeedConfig())

	case http.MethodPost:
		var patch SpeedPatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		speed, err := s.cfg.UpdateSpeed(patch)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if s.cfg.Server.PersistConfig {
			if err := s.cfg.Save(); err != nil {
				log.Printf("[config] save failed: %v", err)
			}
		}
		s.broadcast(Frame{Speed: &speed, Stamp: time.Now().UnixMilli()})

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"config":    speed,
			"timestamp": unixSeconds(time.Now()),
		})

	default:
		allow(w, r, http.MethodPost)
	}
}

func (s *Server) handleConfigApply(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	results, err := s.bridge.ApplySpeed(r.Context(), s.cfg.SpeedConfig())
	s.writeResults(w, results, err)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "bridge running",
		"timestamp": unixSeconds(time.Now()),
	})
}

func (s *Server) handleTestCars(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	results, err := s.bridge.TestCars(r.Context())
	s.writeResults(w, results, err)
}

func (s *Server) writeResults(w http.ResponseWriter, results []bridge.Result, err error) {
	if results == nil {
		results = []bridge.Result{}
	}
	resp := resultsResponse{
		Success:   err == nil,
		Results:   results,
		Timestamp: unixSeconds(time.Now()),
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = errorStatus(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	req := trackRequest{Track: 1}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.bridge.SelectTrack(r.Context(), req.Track)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	s.writeResults(w, []bridge.Result{res}, nil)
}

// handleCars returns the whole table, or one car with ?car=N (1-based).
func (s *Server) handleCars(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query().Get("car")
	if q == "" {
		writeJSON(w, http.StatusOK, carViews(s.bridge.Cars()))
		return
	}

	n, err := strconv.Atoi(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, ok := s.bridge.Table().Car(n - 1)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %d", protocol.ErrUnknownCar, n))
		return
	}
	writeJSON(w, http.StatusOK, carView(n-1, c))
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.rec == nil {
		writeError(w, http.StatusNotImplemented, errors.New("recording not available"))
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.rec.SetEnabled(req.Enabled)
	log.Printf("[recorder] enabled=%t", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"recording": s.rec.IsEnabled(),
		"path":      s.rec.Path(),
	})
}
