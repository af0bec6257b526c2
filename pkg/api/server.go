// Package api serves a MAST unit over HTTP: one route per operation, answers
// wrapped in the Alpaca-style JSON envelope.
package api

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"mast/pkg/drivers/covers"
	"mast/pkg/drivers/focuser"
	"mast/pkg/drivers/mount"
	"mast/pkg/drivers/stage"
	"mast/pkg/unit"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

const BasePath = "/mast/api/v1/unit"

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server exposes the unit, its power supply and each subsystem.
type Server struct {
	description    ServerDescription
	unit           *unit.Unit
	tmpl           *template.Template
	streamInterval time.Duration
	clock          clock.Clock
	logger         log.FieldLogger
}

func NewServer(description ServerDescription, u *unit.Unit, tmpl *template.Template, streamInterval time.Duration, clk clock.Clock, logger log.FieldLogger) *Server {
	return &Server{
		description:    description,
		unit:           u,
		tmpl:           tmpl,
		streamInterval: streamInterval,
		clock:          clk,
		logger:         logger,
	}
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.HandleFunc("GET /{$}", s.handleStatusPage)
	r.HandleFunc("GET /management/v1/description", handleValue(func() any { return s.description }))
	r.HandleFunc("GET /management/v1/configureddevices", s.handleConfiguredDevices)

	u := s.unit
	r.HandleFunc("GET "+BasePath+"/status", handleValue(func() any { return u.Status() }))
	r.HandleFunc("GET "+BasePath+"/status/stream", s.handleStatusStream)
	r.HandleFunc("GET "+BasePath+"/connected", handleValue(func() any { return u.Connected() }))
	r.HandleFunc("GET "+BasePath+"/operational", handleValue(func() any { return u.Operational().IsOperational }))
	r.HandleFunc("GET "+BasePath+"/why_not_operational", handleValue(func() any { return u.Operational().Reasons }))
	r.HandleFunc("PUT "+BasePath+"/startup", handleAction(u.Startup))
	r.HandleFunc("PUT "+BasePath+"/shutdown", handleAction(u.Shutdown))
	r.HandleFunc("PUT "+BasePath+"/connect", handleAction(u.Connect))
	r.HandleFunc("PUT "+BasePath+"/disconnect", handleAction(u.Disconnect))
	r.HandleFunc("PUT "+BasePath+"/abort", handleAction(u.Abort))
	r.HandleFunc("PUT "+BasePath+"/start_guiding", handleAction(func() error { u.StartGuiding(); return nil }))
	r.HandleFunc("PUT "+BasePath+"/stop_guiding", handleAction(func() error { u.StopGuiding(); return nil }))
	r.HandleFunc("PUT "+BasePath+"/start_autofocus", handleAction(u.StartAutofocus))
	r.HandleFunc("PUT "+BasePath+"/stop_autofocus", handleAction(u.StopAutofocus))

	pw := u.Power()
	r.HandleFunc("GET "+BasePath+"/power/status", handleValue(func() any { return pw.Status() }))
	r.HandleFunc("PUT "+BasePath+"/power/startup", handleAction(pw.Startup))
	r.HandleFunc("PUT "+BasePath+"/power/shutdown", handleAction(pw.Shutdown))
	r.HandleFunc("PUT "+BasePath+"/power/{socket}/on", func(w http.ResponseWriter, r *http.Request) {
		handleAction(func() error { return pw.PowerOn(r.PathValue("socket")) })(w, r)
	})
	r.HandleFunc("PUT "+BasePath+"/power/{socket}/off", func(w http.ResponseWriter, r *http.Request) {
		handleAction(func() error { return pw.PowerOff(r.PathValue("socket")) })(w, r)
	})

	// Create handlers for each subsystem
	for _, dev := range u.Subsystems() {
		mux := http.NewServeMux()
		var handler DeviceHTTPHandler

		switch d := dev.(type) {
		case *stage.Stage:
			handler = NewStageHandler(d)
		case *mount.Mount:
			handler = NewMountHandler(d)
		case *focuser.Focuser:
			handler = NewFocuserHandler(d)
		case *covers.Covers:
			handler = NewCoversHandler(d)
		default:
			s.logger.Warnf("No specific handler for %T, serving common routes only", dev)
			handler = &DeviceHandler{dev: dev}
		}
		handler.RegisterRoutes(mux)

		prefix := fmt.Sprintf("%s/%s", BasePath, dev.Info().Name)
		r.Handle(prefix+"/", http.StripPrefix(prefix, mux))
	}

	return r
}

func (s *Server) handleConfiguredDevices(w http.ResponseWriter, r *http.Request) {
	subsystems := s.unit.Subsystems()
	infos := make([]any, 0, len(subsystems))
	for _, dev := range subsystems {
		infos = append(infos, dev.Info())
	}
	handleResponse(w, r, infos)
}

// handleStatusPage renders the composite unit status for a browser.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Name       string
		Status     map[string]any
		Subsystems []string
	}{
		Name:   s.unit.Name(),
		Status: s.unit.Status(),
	}
	for _, dev := range s.unit.Subsystems() {
		data.Subsystems = append(data.Subsystems, dev.Info().Name)
	}

	if err := s.tmpl.ExecuteTemplate(w, "unit.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
