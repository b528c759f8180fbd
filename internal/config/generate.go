package config

// DefaultConfigTOML is a complete, commented sample resqued.toml.
const DefaultConfigTOML = `# resqued configuration file

[supervisor]
# logfile = ""                  # master log file path (default: stdout)
# log_level = "info"            # debug, info, warn, error
# log_format = "json"           # json, text
# directory = ""                # master working directory
# identifier = "resqued"        # master identifier
# minfds = 1024                 # minimum file descriptors
# minprocs = 200                # minimum process count
# pidfile = "/var/run/resqued.pid"
# status_sink = ""              # file path for the status sink stream (start --status-pipe FD overrides it)
# shutdown_timeout = 30         # seconds to wait for graceful shutdown

# Queue definitions
# [queues.example]
# command = "/usr/bin/example-worker"  # REQUIRED: command to run
# numprocs = 1                  # number of worker instances
# numprocs_start = 0            # starting instance number
# priority = 999                # validated (0-999, 0 becomes 999); queues start in name order regardless
# stopsignal = "TERM"           # validated (TERM, HUP, INT, QUIT, KILL, USR1, USR2); workers are stopped with the listener's shutdown signal
# stopwaitsecs = 10             # validated; workers are not escalated to SIGKILL
# user = ""                     # run as user
# directory = ""                # working directory
# umask = ""                    # file creation mask
# clean_environment = false     # whitelist-only environment mode
# redirect_stderr = false       # merge stderr into stdout
# strip_ansi = false            # remove ANSI escape sequences
# stdout_logfile = ""           # stdout log file (default: container stdout)
# stdout_logfile_maxbytes = "50MB"
# stdout_logfile_backups = 10
# stderr_logfile = ""           # stderr log file
# stderr_logfile_maxbytes = "50MB"
# stderr_logfile_backups = 10
# description = ""              # queue description
# [queues.example.environment]
# KEY = "value"
`
