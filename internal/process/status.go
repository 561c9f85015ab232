package process

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of a record: Running or Exited(code).
type Status struct {
	Running  bool
	ExitCode int
}

// StatusRunning is the status of a record with an active child.
var StatusRunning = Status{Running: true}

// Exited returns the status of a record whose child terminated with code.
// -1 is used when no exit code is available.
func Exited(code int) Status { return Status{ExitCode: code} }

func (s Status) String() string {
	if s.Running {
		return "running"
	}
	return fmt.Sprintf("exited(%d)", s.ExitCode)
}

type statusJSON struct {
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s.Running {
		return json.Marshal(statusJSON{State: "running"})
	}
	code := s.ExitCode
	return json.Marshal(statusJSON{State: "exited", ExitCode: &code})
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v statusJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.State {
	case "running":
		*s = StatusRunning
	case "exited":
		code := -1
		if v.ExitCode != nil {
			code = *v.ExitCode
		}
		*s = Exited(code)
	default:
		return fmt.Errorf("unknown process state %q", v.State)
	}
	return nil
}
