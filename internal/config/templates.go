package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "listener":
		return listenerTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const listenerTemplate = `listen = "127.0.0.1:10288"
connect = ""
metrics_addr = "127.0.0.1:9464"
profiles = ["echo", "sink"]

[session]
window_size = 4096
window_update_threshold = 2048
greeting_timeout = "60s"
start_timeout = "60s"
close_timeout = "60s"
workers = 16
features = []

[transport]
handshake_timeout = "5s"
write_timeout = "15s"
max_frame_size = 4096
security_mode = "development"

[transport.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const clientTemplate = `listen = ""
connect = "127.0.0.1:10288"

[session]
window_size = 4096
start_timeout = "10s"
close_timeout = "10s"

[transport]
connect_timeout = "5s"
write_timeout = "15s"
max_connect_attempts = 5
security_mode = "development"

[transport.tls]
enabled = false
ca_file = ""
server_name = ""
`
