// Package player supervises a single mpv subprocess and its IPC channel.
package player

// Status is the playback state of the session.
type Status int

const (
	Stopped Status = iota
	Playing
	Paused
)

func (s Status) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Session is the state of the bridge's player. Only the Supervisor mutates it.
type Session struct {
	Mode        string
	Monitor     int
	Volume      float64
	Speed       float64
	CurrentURL  string
	Loop        bool
	Status      Status
	ControlPath string
	PID         int
}
