package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type LogsFlags struct {
	Lines int
}

type ConfigInitFlags struct {
	Path  string
	Force bool
}

type AdminFlags struct {
	Store   string
	OwnerID int64
}
