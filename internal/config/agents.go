package config

import (
	"time"

	"github.com/seongjae-dev/agentrelay/internal/agent"
)

// AgentConfig converts one agent definition into the runtime form the
// session manager consumes.
func (d AgentDef) AgentConfig(name string) agent.Config {
	mode := agent.ModeOneShot
	switch d.Mode {
	case "persistent":
		mode = agent.ModePersistent
	case "pty":
		mode = agent.ModePTY
	}
	d2 := d.withDefaults()
	return agent.Config{
		Name:         name,
		Command:      d2.Command,
		Args:         append([]string{}, d2.Args...),
		WorkingDir:   ExpandTilde(d2.WorkingDir),
		Mode:         mode,
		StreamFormat: d2.StreamFormat,
		Timeout:      time.Duration(d2.TimeoutSecs) * time.Second,
		InitTimeout:  time.Duration(d2.InitTimeoutSecs) * time.Second,
		MaxSessions:  d2.MaxSessions,
	}
}

// AgentConfigs converts the whole agent table.
func AgentConfigs(defs map[string]AgentDef) map[string]agent.Config {
	out := make(map[string]agent.Config, len(defs))
	for name, def := range defs {
		out[name] = def.AgentConfig(name)
	}
	return out
}
