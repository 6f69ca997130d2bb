package process

import (
	"strconv"

	"github.com/loykin/tunnelwatch/internal/logger"
)

// DefaultBinary is looked up on PATH when Spec.Binary is empty.
const DefaultBinary = "cloudflared"

// Spec describes the cloudflared quick tunnel to run.
type Spec struct {
	Name   string // used for log attributes and per-process log file names
	Binary string // path to cloudflared
	Port   int    // local SSH port the tunnel exposes
	Log    logger.ProcessLogConfig
}

// Args returns the fixed argument vector. No shell is involved.
func (s Spec) Args() []string {
	return []string{"tunnel", "--url", "ssh://localhost:" + strconv.Itoa(s.Port), "--no-autoupdate"}
}

func (s Spec) binary() string {
	if s.Binary == "" {
		return DefaultBinary
	}
	return s.Binary
}

func (s Spec) name() string {
	if s.Name == "" {
		return "cloudflared"
	}
	return s.Name
}
