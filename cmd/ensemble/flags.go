package main

import "time"

// GlobalFlags hold the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags select and reach the command server of a running supervisor.
type ClientFlags struct {
	Name      string
	SocketDir string
	Wait      time.Duration
	Timeout   time.Duration
}

type ServeFlags struct {
	LogLevel string
}

type CheckFlags struct {
	Unfiltered bool
}

type TemplateFlags struct {
	Properties string
	List       bool
}
