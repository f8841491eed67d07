package instance

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the desired lifecycle state stored for a declared instance.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusStopping   Status = "stopping"
	StatusInstalling Status = "installing"
)

// Record describes one user-declared database server. It is owned by the
// foreground application; the supervisor only reads it and may rewrite
// DesiredStatus/PID when it detects drift.
type Record struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Port          int    `json:"port"`
	DesiredStatus Status `json:"desiredStatus"`
	PID           int    `json:"pid,omitempty"`
	// Opaque commands provided by the external package manager. When empty,
	// the per-type defaults from the settings file apply.
	StartCommand string `json:"startCommand,omitempty"`
	StopCommand  string `json:"stopCommand,omitempty"`
}

// WantsUp reports whether the record claims its port (running or starting).
func (r Record) WantsUp() bool {
	return r.DesiredStatus == StatusRunning || r.DesiredStatus == StatusStarting
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("instance id required")
	}
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("instance %s: type required", r.ID)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("instance %s: port %d out of range", r.ID, r.Port)
	}
	switch r.DesiredStatus {
	case StatusRunning, StatusStopped, StatusStarting, StatusStopping, StatusInstalling:
		return nil
	default:
		return fmt.Errorf("instance %s: unknown status %q", r.ID, r.DesiredStatus)
	}
}
