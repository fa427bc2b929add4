// Package api exposes a small read-only diagnostics endpoint over HTTP:
// relay states, open timelines and unknown-id pressure. Enabled by the
// debug config flag; it is not part of the engine's contract.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/app"
	"github.com/notedeck/notedeck/internal/filter"
)

// relayInfo is one relay row in the status response.
type relayInfo struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// timelineInfo is one timeline row in the status response.
type timelineInfo struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Refcount int    `json:"refcount"`
	Notes    int    `json:"notes"`
}

// statusResponse is the /status payload.
type statusResponse struct {
	Relays     []relayInfo    `json:"relays"`
	Timelines  []timelineInfo `json:"timelines"`
	UnknownIDs int            `json:"unknown_ids"`
}

// NewRouter builds the diagnostics router over a running app.
//
// The handlers read engine state that is mutated by the frame loop without
// synchronization; the endpoint is debug tooling and tolerates torn reads.
func NewRouter(a *app.App) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Get("/relays", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, collectRelays(a))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, statusResponse{
			Relays:     collectRelays(a),
			Timelines:  collectTimelines(a),
			UnknownIDs: a.Unknowns.Len(),
		})
	})

	return r
}

func collectRelays(a *app.App) []relayInfo {
	relays := a.Pool.Relays()
	out := make([]relayInfo, 0, len(relays))
	for _, pr := range relays {
		out = append(out, relayInfo{URL: pr.URL(), Status: pr.Status().String()})
	}
	return out
}

func collectTimelines(a *app.App) []timelineInfo {
	out := make([]timelineInfo, 0, a.Timelines.Len())
	for _, tl := range a.Timelines.Timelines() {
		info := timelineInfo{
			Key:      tl.Kind.CacheKey(),
			State:    tl.State.Kind().String(),
			Refcount: tl.Refcount(),
		}
		if tl.State.Kind() == filter.StateReady {
			info.Notes = len(tl.CurrentView().Notes)
		}
		out = append(out, info)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Diagnostics write failed")
	}
}
