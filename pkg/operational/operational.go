// Package operational turns a device's power, detection and connection facts
// into a readiness verdict with an ordered explanation.
package operational

import "fmt"

// Record is the verdict for one device or for the whole unit.
type Record struct {
	IsOperational bool     `json:"is_operational"`
	Reasons       []string `json:"reasons"`
}

// Condition is a device-specific check evaluated only once the device is
// powered, detected and connected, e.g. "axis0 not enabled".
type Condition struct {
	OK     bool
	Reason string
}

// Inputs are the facts a device gathers fresh for each evaluation.
type Inputs struct {
	Label       string
	Powered     bool
	WasShutDown bool
	Detected    bool
	Connected   bool
	// ConnectedReason overrides the default "not connected" wording, e.g. to
	// name the vendor layer that reported it.
	ConnectedReason string
	Conditions      []Condition
}

// Evaluate applies the checks in priority order: power, shut down, detection,
// connection, then the device conditions. An unpowered device short-circuits
// every deeper check. Undetected devices skip the connection and condition
// checks, and disconnected devices skip the conditions.
func Evaluate(in Inputs) Record {
	reasons := []string{}
	add := func(reason string) {
		reasons = append(reasons, fmt.Sprintf("%s: %s", in.Label, reason))
	}

	if !in.Powered {
		add("not powered")
		return Record{IsOperational: false, Reasons: reasons}
	}

	if in.WasShutDown {
		add("shut down")
	}

	switch {
	case !in.Detected:
		add("not detected")
	case !in.Connected:
		if in.ConnectedReason != "" {
			add(in.ConnectedReason)
		} else {
			add("not connected")
		}
	default:
		for _, c := range in.Conditions {
			if !c.OK {
				add(c.Reason)
			}
		}
	}

	return Record{IsOperational: len(reasons) == 0, Reasons: reasons}
}

// Combine folds several records into one: operational only when every record
// is, with the reasons concatenated in order.
func Combine(records ...Record) Record {
	out := Record{IsOperational: true, Reasons: []string{}}
	for _, r := range records {
		if !r.IsOperational {
			out.IsOperational = false
		}
		out.Reasons = append(out.Reasons, r.Reasons...)
	}
	return out
}
