package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/gunshot.report/internal/db"
	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
)

// ReportRequest is the body of POST /api/reports. Every field is required.
type ReportRequest struct {
	Timestamp *int64   `json:"timestamp"`
	Latitude  *float64 `json:"coord_lat"`
	Longitude *float64 `json:"coord_long"`
	Altitude  *float64 `json:"coord_alt"`
	Gun       string   `json:"gun"`
}

// ReportResponse is the stored report plus what the engine did with it.
type ReportResponse struct {
	gunshot.StoredReport
	Action    gunshot.Action `json:"action,omitempty"`
	GunshotID int64          `json:"gunshot_id,omitempty"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	clientID, token, err := s.tokens.Issue()
	if err != nil {
		log.Printf("Error issuing token: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to register client")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "client_id": clientID})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.addReport(w, r)
	case http.MethodGet:
		s.getReports(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) addReport(w http.ResponseWriter, r *http.Request) {
	clientID, ok := ClientID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Missing client identity")
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Timestamp == nil || req.Latitude == nil || req.Longitude == nil || req.Altitude == nil || req.Gun == "" {
		writeJSONError(w, http.StatusBadRequest, "missing required parameters")
		return
	}

	report := gunshot.Report{
		Position:    geo.Position{Latitude: *req.Latitude, Longitude: *req.Longitude, Altitude: *req.Altitude},
		TimestampMs: *req.Timestamp,
		WeaponType:  req.Gun,
		ClientID:    clientID,
	}
	if err := report.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, outcome, err := s.pipeline.Submit(r.Context(), report)
	if err != nil {
		log.Printf("Error submitting report from %s: %v", clientID, err)
		if stored.ID == 0 {
			writeJSONError(w, http.StatusInternalServerError, "Failed to add the report")
			return
		}
		// The report row exists but its event write did not go through.
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":     "Failed to update the gunshot event",
			"report_id": stored.ID,
		})
		return
	}
	writeJSON(w, http.StatusCreated, ReportResponse{
		StoredReport: stored,
		Action:       outcome.Action,
		GunshotID:    outcome.Event.ID,
	})
}

func (s *Server) getReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("time_from") && q.Has("time_to") {
		from, to, err := timeRange(q.Get("time_from"), q.Get("time_to"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		reports, err := s.db.ReportsInRange(r.Context(), from, to)
		if err != nil {
			log.Printf("Error listing reports: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "Failed to retrieve reports")
			return
		}
		writeJSON(w, http.StatusOK, reports)
		return
	}

	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "id or time_from and time_to are required")
		return
	}
	report, err := s.db.Report(r.Context(), id)
	if err != nil {
		s.lookupError(w, "report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var g db.Gun
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&g); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if g.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "required parameter gun_name was not provided")
			return
		}
		if g.Type == "" {
			writeJSONError(w, http.StatusBadRequest, "required parameter gun_type was not provided")
			return
		}
		if err := s.db.AddGun(r.Context(), g); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				writeJSONError(w, http.StatusConflict, "Gun with this name already exists")
				return
			}
			log.Printf("Error adding gun %q: %v", g.Name, err)
			writeJSONError(w, http.StatusInternalServerError, "Failed to add the gun")
			return
		}
		writeJSON(w, http.StatusCreated, g)
	case http.MethodGet:
		if name := r.URL.Query().Get("name"); name != "" {
			g, err := s.db.Gun(r.Context(), name)
			if err != nil {
				s.lookupError(w, "gun", err)
				return
			}
			writeJSON(w, http.StatusOK, g)
			return
		}
		guns, err := s.db.Guns(r.Context())
		if err != nil {
			log.Printf("Error listing guns: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "Failed to retrieve guns")
			return
		}
		writeJSON(w, http.StatusOK, guns)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleGunshots serves GET /api/gunshots. With id it returns one gunshot;
// with time_from and/or time_to a window (an open end defaults to the
// epoch or to now); otherwise every permanent gunshot.
func (s *Server) handleGunshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()

	if q.Has("id") {
		id, err := strconv.ParseInt(q.Get("id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'id' parameter")
			return
		}
		g, err := s.db.Gunshot(r.Context(), id)
		if err != nil {
			s.lookupError(w, "gunshot", err)
			return
		}
		writeJSON(w, http.StatusOK, g)
		return
	}

	var (
		gunshots []db.Gunshot
		err      error
	)
	if q.Has("time_from") || q.Has("time_to") {
		from, to := "0", strconv.FormatInt(time.Now().UnixMilli()+1, 10)
		if q.Has("time_from") {
			from = q.Get("time_from")
		}
		if q.Has("time_to") {
			to = q.Get("time_to")
		}
		fromMs, toMs, rerr := timeRange(from, to)
		if rerr != nil {
			writeJSONError(w, http.StatusBadRequest, rerr.Error())
			return
		}
		gunshots, err = s.db.GunshotsInRange(r.Context(), fromMs, toMs)
	} else {
		gunshots, err = s.db.Gunshots(r.Context())
	}
	if err != nil {
		log.Printf("Error listing gunshots: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to retrieve gunshots")
		return
	}
	writeJSON(w, http.StatusOK, gunshots)
}

func (s *Server) latestGunshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	g, err := s.db.LatestGunshot(r.Context())
	if err != nil {
		s.lookupError(w, "gunshot", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// listEvents returns the engine's live events, oldest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Events())
}

func (s *Server) lookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, what+" not found")
		return
	}
	log.Printf("Error fetching %s: %v", what, err)
	writeJSONError(w, http.StatusInternalServerError, "Failed to retrieve "+what)
}

// timeRange parses a [from, to) window in UNIX milliseconds.
func timeRange(fromStr, toStr string) (int64, int64, error) {
	from, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		return 0, 0, errors.New("invalid 'time_from' parameter")
	}
	to, err := strconv.ParseInt(toStr, 10, 64)
	if err != nil {
		return 0, 0, errors.New("invalid 'time_to' parameter")
	}
	if to < from {
		return 0, 0, errors.New("'time_to' must not be before 'time_from'")
	}
	return from, to, nil
}
