package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// RecordedRequest captures what the fake API received.
type RecordedRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Authorization string
	ContentType   string
	Body          []byte
	// Files maps multipart field names to uploaded file names.
	Files map[string]string
	// FileTypes maps multipart field names to the part content types.
	FileTypes map[string]string
	// FileBytes maps multipart field names to the uploaded content.
	FileBytes map[string][]byte
}

// TransitServer is an in-process fake of the transit REST API under /api.
type TransitServer struct {
	*httptest.Server

	mu        sync.Mutex
	requests  []RecordedRequest
	schedules []map[string]interface{}
	profile   map[string]interface{}
	failWith  int
	calls     map[string]int
}

// NewTransitServer starts a fake API seeded with one schedule and profile.
func NewTransitServer() *TransitServer {
	s := &TransitServer{
		schedules: []map[string]interface{}{
			{
				"id":             "s-1",
				"departure_time": "2024-05-01T08:30:00Z",
				"bus":            map[string]interface{}{"id": "b-1", "plate_number": "TR-101", "capacity": 40},
				"driver":         map[string]interface{}{"id": "d-1", "first_name": "Ana", "last_name": "Silva"},
				"route":          map[string]interface{}{"id": "r-1", "name": "Campus Loop", "origin": "North Gate", "destination": "Library"},
			},
		},
		profile: map[string]interface{}{
			"id":         "u-1",
			"email":      "rider@example.com",
			"first_name": "Sam",
			"last_name":  "Rider",
			"role":       "commuter",
			"created_at": "2024-01-01T00:00:00Z",
			"updated_at": "2024-01-01T00:00:00Z",
		},
		calls: make(map[string]int),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/schedules", s.handleSchedules).Methods(http.MethodGet)
	api.HandleFunc("/me/profile", s.handleGetProfile).Methods(http.MethodGet)
	api.HandleFunc("/me/profile", s.handlePutProfile).Methods(http.MethodPut)
	api.HandleFunc("/me/profile/photo", s.handlePhoto).Methods(http.MethodPost)
	r.Use(s.record)

	s.Server = httptest.NewServer(r)
	return s
}

// FailWith makes every subsequent request answer status; 0 restores normal
// behaviour.
func (s *TransitServer) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = status
}

// Requests returns a copy of the recorded requests.
func (s *TransitServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the latest request, or the zero value.
func (s *TransitServer) LastRequest() RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return RecordedRequest{}
	}
	return s.requests[len(s.requests)-1]
}

// Calls returns how many requests hit "METHOD /path".
func (s *TransitServer) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

func (s *TransitServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
		}

		if strings.HasPrefix(rec.ContentType, "multipart/form-data") {
			if err := r.ParseMultipartForm(8 << 20); err == nil {
				rec.Files = make(map[string]string)
				rec.FileTypes = make(map[string]string)
				rec.FileBytes = make(map[string][]byte)
				for field, headers := range r.MultipartForm.File {
					for _, fh := range headers {
						rec.Files[field] = fh.Filename
						rec.FileTypes[field] = fh.Header.Get("Content-Type")
						if f, err := fh.Open(); err == nil {
							rec.FileBytes[field], _ = io.ReadAll(f)
							f.Close()
						}
					}
				}
			}
		} else if r.Body != nil {
			rec.Body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(strings.NewReader(string(rec.Body)))
		}

		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.calls[r.Method+" "+r.URL.Path]++
		fail := s.failWith
		s.mu.Unlock()

		if fail != 0 {
			writeJSON(w, fail, map[string]string{"detail": http.StatusText(fail)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *TransitServer) handleSchedules(w http.ResponseWriter, r *http.Request) {
	routeID := r.URL.Query().Get("route_id")

	s.mu.Lock()
	out := make([]map[string]interface{}, 0, len(s.schedules))
	for _, sc := range s.schedules {
		route, _ := sc["route"].(map[string]interface{})
		if routeID != "" && route["id"] != routeID {
			continue
		}
		out = append(out, sc)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *TransitServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "not authenticated"})
		return
	}
	s.mu.Lock()
	p := s.profile
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, p)
}

func (s *TransitServer) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var update map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	merged := make(map[string]interface{}, len(s.profile))
	for k, v := range s.profile {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	s.profile = merged
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, merged)
}

func (s *TransitServer) handlePhoto(w http.ResponseWriter, r *http.Request) {
	const url = "https://cdn.example.com/photos/u-1.jpg"
	s.mu.Lock()
	merged := make(map[string]interface{}, len(s.profile))
	for k, v := range s.profile {
		merged[k] = v
	}
	merged["profile_photo_url"] = url
	s.profile = merged
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
