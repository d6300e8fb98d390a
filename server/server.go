// Package server exposes the state of a running exposure loop over HTTP so an
// observatory can be watched, and stopped gracefully, from another machine.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/githubert/astroshutter/cycle"
	"github.com/githubert/astroshutter/interrupt"
)

// StatusSource reports the loop's progress
type StatusSource interface {
	Status() cycle.Status
}

// Stopper holds the cancellation state
type Stopper interface {
	State() interrupt.State
	Request() bool
}

// ShutterState reports what was last sent to the shutter
type ShutterState interface {
	IsOpen() bool
	Counts() (opens, closes int)
}

// Status is the body of GET /status
type Status struct {
	cycle.Status
	Cancel      string `json:"cancel"`
	ShutterOpen bool   `json:"shutterOpen"`
	Opens       int    `json:"opens"`
	Closes      int    `json:"closes"`
}

// StopReply is the body of POST /stop
type StopReply struct {
	Requested bool   `json:"requested"`
	Cancel    string `json:"cancel"`
}

func encodeAndRespond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
	}
}

// NewRouter builds the HTTP interface.  sh may be nil.
func NewRouter(src StatusSource, stop Stopper, sh ShutterState) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	root.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st := Status{Status: src.Status(), Cancel: stop.State().String()}
		if sh != nil {
			st.ShutterOpen = sh.IsOpen()
			st.Opens, st.Closes = sh.Counts()
		}
		encodeAndRespond(w, st)
	})

	// only the graceful stop is offered remotely; an immediate abort needs
	// someone at the keyboard
	root.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
		changed := stop.Request()
		encodeAndRespond(w, StopReply{Requested: changed, Cancel: stop.State().String()})
	})

	root.Get("/list-of-routes", func(w http.ResponseWriter, r *http.Request) {
		routes := []string{}
		err := chi.Walk(root, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, method+" "+route)
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sort.Strings(routes)
		encodeAndRespond(w, routes)
	})
	return root
}
