package master

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

const maxRequestBody = 1 << 16 // 64 KB

var errMissingField = errors.New("name and address required")

// NewHandler routes the directory endpoints.
//
//	GET  /sessions            live sessions; ?version=, ?region=, ?open=1 filter
//	GET  /sessions/{id}       one live session
//	POST /sessions/register   SessionInfo in, SessionInfo with its ID out
//	POST /sessions/heartbeat  HeartbeatRequest; 404 once the entry is gone
//	GET  /health
func NewHandler(reg *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", ListSessions(reg))
	mux.HandleFunc("GET /sessions/{id}", GetSession(reg))
	mux.HandleFunc("POST /sessions/register", RegisterSession(reg))
	mux.HandleFunc("POST /sessions/heartbeat", Heartbeat(reg))
	mux.HandleFunc("GET /health", Health(reg))
	return mux
}

func ListSessions(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		writeJSON(w, http.StatusOK, reg.List(Filter{
			Version:  q.Get("version"),
			Region:   q.Get("region"),
			OpenOnly: q.Get("open") == "1",
		}))
	}
}

func GetSession(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := reg.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func RegisterSession(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var info SessionInfo
		if err := decode(w, r, &info); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if info.Name == "" || info.Address == "" {
			writeError(w, http.StatusBadRequest, errMissingField.Error())
			return
		}

		info.ID = reg.Register(info)
		log.Printf("[master] registered session %q at %s (id=%s, %d objects)", info.Name, info.Address, info.ID, info.Objects)
		writeJSON(w, http.StatusCreated, info)
	}
}

func Heartbeat(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HeartbeatRequest
		if err := decode(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !reg.Heartbeat(req.ID, req.Occupancy) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func Health(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(reg.List(Filter{}))})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid json")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[master] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
