package main

import "time"

// GlobalFlags holds the persistent configuration source flags
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
}

type CheckFlags struct {
	Send bool // also deliver a test message
}

type StatusFlags struct {
	Addr    string
	Timeout time.Duration
}
