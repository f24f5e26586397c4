package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/metrics"
	"github.com/jardesigner/jardesigner/internal/realtime"
	"github.com/jardesigner/jardesigner/internal/staging"
	"github.com/jardesigner/jardesigner/internal/supervisor"
)

type LaunchRequest struct {
	ConfigData json.RawMessage `json:"config_data"`
	ClientID   string          `json:"client_id"`
}

type LaunchResponse struct {
	Status        string `json:"status"`
	PID           int    `json:"pid"`
	SVGFilename   string `json:"svg_filename"`
	DataChannelID string `json:"data_channel_id"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	config, ok := decodeObject(req.ConfigData)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid config")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "Missing client_id")
		return
	}

	run, err := s.sims.Launch(r.Context(), config, req.ClientID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, LaunchResponse{
		Status:        "success",
		PID:           run.PID,
		SVGFilename:   run.PlotFile,
		DataChannelID: run.ChannelID,
	})
}

// decodeObject accepts only a JSON object.
func decodeObject(raw json.RawMessage) (map[string]interface{}, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// SimulationStatusResponse is the /simulation_status body. svg_filename and
// plot_ready are only set for completed runs.
type SimulationStatusResponse struct {
	Status      string `json:"status"`
	PID         int    `json:"pid"`
	SVGFilename string `json:"svg_filename,omitempty"`
	PlotReady   bool   `json:"plot_ready,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "PID not found")
		return
	}

	st := s.sims.Status(pid)
	resp := SimulationStatusResponse{Status: string(st.State), PID: pid}
	switch st.State {
	case supervisor.StateNotFound:
		writeError(w, http.StatusNotFound, "PID not found")
		return
	case supervisor.StateCompleted:
		resp.SVGFilename = st.PlotFile
		resp.PlotReady = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type ResetRequest struct {
	PID      realtime.PID `json:"pid"`
	ClientID string       `json:"client_id"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid pid")
		return
	}

	if !s.sims.Terminate(int(req.PID)) {
		writeError(w, http.StatusNotFound, "Nothing to reset")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
}

type PushDataRequest struct {
	DataChannelID string          `json:"data_channel_id"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Server) handlePushData(w http.ResponseWriter, r *http.Request) {
	var req PushDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	payload := bytes.TrimSpace(req.Payload)
	if req.DataChannelID == "" || len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		writeError(w, http.StatusBadRequest, "data_channel_id and payload are required")
		return
	}

	s.relayer.Relay(req.DataChannelID, json.RawMessage(payload), metrics.SourceHTTP)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "success"})
}

type UploadResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer file.Close()

	clientID := r.FormValue("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "No clientId")
		return
	}
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}

	name, err := s.staging.Save(clientID, header.Filename, file)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("client_id", clientID).Msg("upload failed")
		}
		writeError(w, status, err.Error())
		return
	}

	s.metrics.FileUploaded()
	events.Emit("info", "file.uploaded", "", map[string]interface{}{
		"client_id": clientID,
		"filename":  name,
		"size":      header.Size,
	})
	writeJSON(w, http.StatusOK, UploadResponse{Status: "success", Filename: name})
}

func (s *Server) handleSessionFile(w http.ResponseWriter, r *http.Request) {
	clientID, err1 := url.PathUnescape(chi.URLParam(r, "clientID"))
	filename, err2 := url.PathUnescape(chi.URLParam(r, "filename"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}

	p, err := s.staging.Path(clientID, filename)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	serveFile(w, r, p)
}

// serveFile streams a resolved path, letting ServeContent handle ranges
// and content type.
func serveFile(w http.ResponseWriter, r *http.Request, p string) {
	f, err := os.Open(p)
	if err != nil {
		writeError(w, http.StatusNotFound, staging.ErrNotFound.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, staging.ErrNotFound.Error())
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.staticDir != "" {
		index := filepath.Join(s.staticDir, "index.html")
		if staging.Exists(index) {
			serveFile(w, r, index)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":   "Frontend not built",
		"message": "Please build the frontend with: cd frontend && npm install && npm run build",
	})
}

// handleStatic serves built frontend assets from the static directory.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.staticDir == "" || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	clean := path.Clean("/" + r.URL.Path)
	if strings.Contains(clean, "..") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	p := filepath.Join(s.staticDir, filepath.FromSlash(clean))
	if !staging.Exists(p) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	serveFile(w, r, p)
}
