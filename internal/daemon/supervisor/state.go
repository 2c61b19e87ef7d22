package supervisor

import "encoding/json"

// State is the lifecycle phase of the supervised worker.
type State int

const (
	NotStarted State = iota
	Starting
	Alive
	Dead
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a point-in-time view of the worker. Reading it never spawns.
type Status struct {
	State        State  `json:"state"`
	PID          int    `json:"pid,omitempty"`
	Alive        bool   `json:"alive"`
	SocketExists bool   `json:"socket_exists"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Spawns       int    `json:"spawns"`
	Suspect      bool   `json:"suspect"`
	SuspectWhy   string `json:"suspect_reason,omitempty"`
}
