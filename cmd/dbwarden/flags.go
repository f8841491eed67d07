package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// AddFlags holds flags for the add command.
type AddFlags struct {
	ID       string
	Name     string
	Type     string
	Port     int
	StartCmd string
	StopCmd  string
}

// RemoveFlags holds flags for the remove command.
type RemoveFlags struct {
	ID string
}

// CheckPortFlags holds flags for the check-port command.
type CheckPortFlags struct {
	Port    int
	Timeout time.Duration
}

// FindPortFlags holds flags for the find-port command.
type FindPortFlags struct {
	StartPort   int
	MaxAttempts int
	Timeout     time.Duration
}

// StartStopFlags holds flags for the start and stop commands.
type StartStopFlags struct {
	UsePort int      // replacement port applied before starting, 0 keeps the record's port
	Winners []string // conflict-group arbitrations, each "port=instance-id"
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
