package api

import (
	"context"
	"net/http"

	"mast/pkg/drivers/covers"
	"mast/pkg/drivers/focuser"
	"mast/pkg/drivers/mount"
	"mast/pkg/drivers/stage"
	"mast/pkg/unit"
)

type DeviceHTTPHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

// DeviceHandler serves the operations every subsystem has.
type DeviceHandler struct {
	dev unit.Subsystem
}

func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /info", handleValue(func() any { return h.dev.Info() }))
	mux.HandleFunc("GET /status", handleValue(func() any { return h.dev.Status() }))
	mux.HandleFunc("GET /connected", handleValue(func() any { return h.dev.Connected() }))
	mux.HandleFunc("GET /operational", handleValue(func() any { return h.dev.Operational().IsOperational }))
	mux.HandleFunc("GET /why_not_operational", handleValue(func() any { return h.dev.Operational().Reasons }))

	mux.HandleFunc("PUT /connect", handleAction(h.dev.Connect))
	mux.HandleFunc("PUT /disconnect", handleAction(h.dev.Disconnect))
	mux.HandleFunc("PUT /startup", handleAction(h.dev.Startup))
	mux.HandleFunc("PUT /shutdown", handleAction(h.dev.Shutdown))
	mux.HandleFunc("PUT /abort", handleAction(h.dev.Abort))
}

type StageHandler struct {
	DeviceHandler
	dev *stage.Stage
}

func NewStageHandler(dev *stage.Stage) *StageHandler {
	return &StageHandler{DeviceHandler: DeviceHandler{dev: dev}, dev: dev}
}

func (sh *StageHandler) RegisterRoutes(mux *http.ServeMux) {
	sh.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /position", handleValue(func() any { return sh.dev.Position() }))
	mux.HandleFunc("GET /state", handleValue(func() any { return sh.dev.State().String() }))
	mux.HandleFunc("PUT /move", sh.handleMove)
}

func (sh *StageHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	value, err := parseRequest(r, "target")
	if err != nil {
		handleError(w, r, err)
		return
	}
	target, err := stage.ParseState(value)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := sh.dev.Move(target); err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

type MountHandler struct {
	DeviceHandler
	dev *mount.Mount
}

func NewMountHandler(dev *mount.Mount) *MountHandler {
	return &MountHandler{DeviceHandler: DeviceHandler{dev: dev}, dev: dev}
}

func (mh *MountHandler) RegisterRoutes(mux *http.ServeMux) {
	mh.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("PUT /park", handleAction(mh.dev.Park))
	mux.HandleFunc("PUT /find_home", handleAction(mh.dev.FindHome))
	mux.HandleFunc("PUT /start_tracking", mh.handleTracking(mh.dev.StartTracking))
	mux.HandleFunc("PUT /stop_tracking", mh.handleTracking(mh.dev.StopTracking))
}

// handleTracking blocks until the mount reports the tracking change. A
// client that hangs up cancels the wait.
func (mh *MountHandler) handleTracking(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			handleError(w, r, err)
			return
		}
		handleResponse(w, r, nil)
	}
}

type FocuserHandler struct {
	DeviceHandler
	dev *focuser.Focuser
}

func NewFocuserHandler(dev *focuser.Focuser) *FocuserHandler {
	return &FocuserHandler{DeviceHandler: DeviceHandler{dev: dev}, dev: dev}
}

func (fh *FocuserHandler) RegisterRoutes(mux *http.ServeMux) {
	fh.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /position", fh.handlePosition)
	mux.HandleFunc("GET /known_as_good_position", handleValue(func() any { return fh.dev.KnownAsGood() }))
	mux.HandleFunc("PUT /goto", fh.handleGoto)
	mux.HandleFunc("PUT /move", fh.handleMove)
	mux.HandleFunc("PUT /goto_known_as_good_position", handleAction(fh.dev.GotoKnownAsGood))
	mux.HandleFunc("PUT /known_as_good_position", fh.handleSetKnownAsGood)
}

func (fh *FocuserHandler) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := fh.dev.Position()
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, pos)
}

func (fh *FocuserHandler) handleGoto(w http.ResponseWriter, r *http.Request) {
	position, err := parseIntRequest(r, "position")
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := fh.dev.Goto(position); err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (fh *FocuserHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	amount, err := parseIntRequest(r, "amount")
	if err != nil {
		handleError(w, r, err)
		return
	}
	value, err := parseRequest(r, "direction")
	if err != nil {
		handleError(w, r, err)
		return
	}
	direction, err := focuser.ParseDirection(value)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := fh.dev.MoveBy(amount, direction); err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (fh *FocuserHandler) handleSetKnownAsGood(w http.ResponseWriter, r *http.Request) {
	position, err := parseIntRequest(r, "position")
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := fh.dev.SetKnownAsGood(position); err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

type CoversHandler struct {
	DeviceHandler
	dev *covers.Covers
}

func NewCoversHandler(dev *covers.Covers) *CoversHandler {
	return &CoversHandler{DeviceHandler: DeviceHandler{dev: dev}, dev: dev}
}

func (ch *CoversHandler) RegisterRoutes(mux *http.ServeMux) {
	ch.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /state", handleValue(func() any { return ch.dev.State().String() }))
	mux.HandleFunc("PUT /open", handleAction(ch.dev.Open))
	mux.HandleFunc("PUT /close", handleAction(ch.dev.Close))
}
