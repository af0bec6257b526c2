// Package pwi is the client side of the telescope automation controller that
// fronts the unit's mount, focuser and covers. The controller only offers
// synchronous commands and a polled status snapshot.
package pwi

import "time"

type Axis struct {
	IsEnabled bool `json:"is_enabled"`
}

type MountStatus struct {
	IsConnected  bool    `json:"is_connected"`
	IsSlewing    bool    `json:"is_slewing"`
	IsTracking   bool    `json:"is_tracking"`
	Axis0        Axis    `json:"axis0"`
	Axis1        Axis    `json:"axis1"`
	RAJ2000Hours float64 `json:"ra_j2000_hours"`
	DecJ2000Degs float64 `json:"dec_j2000_degs"`
}

type SiteStatus struct {
	LMSTHours float64 `json:"lmst_hours"`
}

type FocuserStatus struct {
	Exists      bool    `json:"exists"`
	IsConnected bool    `json:"is_connected"`
	IsEnabled   bool    `json:"is_enabled"`
	Position    float64 `json:"position"`
	IsMoving    bool    `json:"is_moving"`
}

// CoverState follows the cover calibrator CoverStatus values.
type CoverState string

const (
	CoverNotPresent CoverState = "not-present"
	CoverClosed     CoverState = "closed"
	CoverMoving     CoverState = "moving"
	CoverOpen       CoverState = "open"
	CoverUnknown    CoverState = "unknown"
	CoverError      CoverState = "error"
)

type CoversStatus struct {
	Exists      bool       `json:"exists"`
	IsConnected bool       `json:"is_connected"`
	State       CoverState `json:"state"`
}

type AutofocusStatus struct {
	IsRunning bool `json:"is_running"`
}

type FansStatus struct {
	On bool `json:"on"`
}

// Status is one snapshot of the controller. It is a plain value and safe to
// share by copy.
type Status struct {
	Mount     MountStatus     `json:"mount"`
	Site      SiteStatus      `json:"site"`
	Focuser   FocuserStatus   `json:"focuser"`
	Covers    CoversStatus    `json:"covers"`
	Autofocus AutofocusStatus `json:"autofocus"`
	Fans      FansStatus      `json:"fans"`
	TimeStamp time.Time       `json:"time_stamp"`
}

// Controller is the synchronous command surface of the automation layer.
// Failures to reach the controller wrap device.ErrHardwareUnreachable.
type Controller interface {
	Status() (Status, error)

	MountConnect() error
	MountDisconnect() error
	MountEnable(axis int) error
	MountDisable(axis int) error
	MountPark() error
	MountFindHome() error
	MountStop() error
	MountTrackingOn() error
	MountTrackingOff() error

	FocuserConnect() error
	FocuserDisconnect() error
	FocuserEnable() error
	FocuserDisable() error
	FocuserGoto(position int) error
	FocuserStop() error

	CoversConnect() error
	CoversDisconnect() error
	CoversOpen() error
	CoversClose() error
	CoversHalt() error

	FansOn() error
	FansOff() error

	AutofocusStart() error
	AutofocusStop() error
}

var (
	_ Controller = (*Simulator)(nil)
	_ Controller = (*MQTTController)(nil)
)
