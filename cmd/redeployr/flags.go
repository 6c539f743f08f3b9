package main

import "time"

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds the connection settings of commands that talk to a
// running redeployr
type APIFlags struct {
	URL      string
	Token    string
	Timeout  time.Duration
	Insecure bool
	JSON     bool
}

// TokenFlags holds flags for token issue
type TokenFlags struct {
	Secret  string
	Subject string
	Roles   []string
	TTL     time.Duration
}

// HashFlags holds flags for token hash
type HashFlags struct {
	Cost int
}

// SignFlags holds flags for the sign command
type SignFlags struct {
	Secret   string
	Event    string
	Delivery string
	Send     bool
}
