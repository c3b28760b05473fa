package config

import (
	"fmt"
	"os"
)

// Template returns a commented p2pnode.toml with every key at its default.
func Template() string {
	return nodeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(nodeTemplate), 0o600)
}

const nodeTemplate = `# p2pnode configuration
host = "127.0.0.1"
port = 7000

# bootstrap peers dialed on start, host:port
peers = []

# "delimited" (length-prefixed identity) or "legacy" (single raw read)
handshake_mode = "delimited"

accept_timeout = "10s"
handshake_timeout = "5s"
dial_timeout = "5s"
write_timeout = "0s"
shutdown_grace = "1s"
max_frame_bytes = 16777216
dial_attempts = 5

[admin]
# empty disables the admin HTTP server
addr = ""
cors_origins = ["http://localhost:3000"]
# bearer token required on POST/DELETE routes; empty leaves them open
token = ""

[log]
level = "info"
format = "console"
file = ""
`
