package supervisor

import (
	"fmt"
	"strings"
)

// ProgramSpec describes one supervised bot process.
type ProgramSpec struct {
	Program    string // supervisor program name (bot-{instanceId})
	ConfigPath string // in-container path to the bot's config.json
	WorkDir    string // in-container bot directory
	LogPath    string // in-container bot log file
}

// RenderProgram renders a per-bot program file (bot-{instanceId}.conf).
// Programs do not autostart: the manager starts them explicitly after the
// config file is in place.
func RenderProgram(spec *ProgramSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[program:%s]\n", spec.Program)
	fmt.Fprintf(&b, "command=/app/bin/tradebot --config %s\n", spec.ConfigPath)
	fmt.Fprintf(&b, "directory=%s\n", spec.WorkDir)
	b.WriteString("autostart=false\n")
	b.WriteString("autorestart=true\n")
	b.WriteString("startretries=3\n")
	b.WriteString("stopwaitsecs=10\n")
	fmt.Fprintf(&b, "stdout_logfile=%s\n", spec.LogPath)
	b.WriteString("redirect_stderr=true\n")
	return b.String()
}

// RenderBootstrap renders the supervisord bootstrap config for a pool
// container. Per-bot program files are picked up from the conf.d glob, so
// adding a bot is: drop a file, then reread+update+start.
func RenderBootstrap() string {
	return `[supervisord]
nodaemon=true
logfile=/var/log/burrow/supervisord.log
pidfile=/var/run/supervisord.pid

[unix_http_server]
file=/var/run/supervisor.sock

[supervisorctl]
serverurl=unix:///var/run/supervisor.sock

[rpcinterface:supervisor]
supervisor.rpcinterface_factory = supervisor.rpcinterface:make_main_rpcinterface

[include]
files = /etc/supervisor/conf.d/bot-*.conf
`
}
