package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Save writes the configuration as YAML or JSON depending on the extension.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Example is a minimal two-interface configuration: a pipe pair joined back
// to back, which needs no privileges or peers.
func Example() string {
	return `# ethbridge example configuration
logging:
  level: info
  output: stdout

management:
  bind: 127.0.0.1:7777

dispatch:
  tx_mode: direct
  tx_ack_timeout: 2s

stack:
  arp_max_age: 5m

interfaces:
  - name: e0
    driver: pipe
    remote: e1
    address: 192.168.50.1/24
    default: true
  - name: e1
    driver: pipe
    remote: e0
    address: 192.168.50.2/24
`
}
