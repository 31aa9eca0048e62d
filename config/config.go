package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultQueueSize      = 4
	defaultInputQueueSize = 16
	defaultMaxInterfaces  = 8
	defaultTxAckTimeout   = 2 * time.Second
	defaultARPMaxAge      = 5 * time.Minute
	defaultMTU            = 1500
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty duration")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

type Config struct {
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	Management ManagementConfig  `json:"management" yaml:"management"`
	Dispatch   DispatchConfig    `json:"dispatch" yaml:"dispatch"`
	Stack      StackConfig       `json:"stack" yaml:"stack"`
	Interfaces []InterfaceConfig `json:"interfaces" yaml:"interfaces"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Output string `json:"output" yaml:"output"`
}

type ManagementConfig struct {
	Bind string   `json:"bind" yaml:"bind"`
	ACL  []string `json:"acl,omitempty" yaml:"acl,omitempty"`
}

type DispatchConfig struct {
	RxQueueSize  int      `json:"rx_queue_size,omitempty" yaml:"rx_queue_size,omitempty"`
	TxQueueSize  int      `json:"tx_queue_size,omitempty" yaml:"tx_queue_size,omitempty"`
	TxMode       string   `json:"tx_mode,omitempty" yaml:"tx_mode,omitempty"`
	NotifyWait   Duration `json:"notify_wait,omitempty" yaml:"notify_wait,omitempty"`
	TxAckTimeout Duration `json:"tx_ack_timeout,omitempty" yaml:"tx_ack_timeout,omitempty"`
}

type StackConfig struct {
	InputQueueSize int      `json:"input_queue_size,omitempty" yaml:"input_queue_size,omitempty"`
	ARPMaxAge      Duration `json:"arp_max_age,omitempty" yaml:"arp_max_age,omitempty"`
	MaxInterfaces  int      `json:"max_interfaces,omitempty" yaml:"max_interfaces,omitempty"`
}

// InterfaceConfig describes one bound interface and the driver behind it.
// Which of listen, remote, device and url apply depends on the driver.
type InterfaceConfig struct {
	Name    string `json:"name" yaml:"name"`
	Driver  string `json:"driver" yaml:"driver"`
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
	Remote  string `json:"remote,omitempty" yaml:"remote,omitempty"`
	Device  string `json:"device,omitempty" yaml:"device,omitempty"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	MTU     int    `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	HWAddr  string `json:"hwaddr,omitempty" yaml:"hwaddr,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Default bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// Load reads a JSON or YAML configuration, chosen by file extension. A path
// of "-" reads JSON from stdin.
func Load(path string) (*Config, error) {
	var reader io.ReadCloser
	if path == "-" {
		reader = io.NopCloser(os.Stdin)
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		reader = file
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return Parse(data, isYAML(path))
}

func Parse(data []byte, asYAML bool) (*Config, error) {
	var cfg Config
	if asYAML {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) validate() error {
	if c.Management.Bind == "" {
		c.Management.Bind = "127.0.0.1:7777"
	}
	if len(c.Management.ACL) == 0 {
		c.Management.ACL = []string{"127.0.0.0/8"}
	}
	for _, entry := range c.Management.ACL {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid management acl entry %q: %w", entry, err)
		}
	}

	c.Dispatch.TxMode = strings.ToLower(strings.TrimSpace(c.Dispatch.TxMode))
	switch c.Dispatch.TxMode {
	case "":
		c.Dispatch.TxMode = "direct"
	case "direct", "offloaded":
	case "offload":
		c.Dispatch.TxMode = "offloaded"
	default:
		return fmt.Errorf("unsupported tx mode %q", c.Dispatch.TxMode)
	}
	if c.Dispatch.RxQueueSize < 0 || c.Dispatch.TxQueueSize < 0 {
		return errors.New("dispatch queue sizes cannot be negative")
	}
	if c.Dispatch.NotifyWait.Duration < 0 {
		return errors.New("notify wait cannot be negative")
	}
	if c.Dispatch.TxAckTimeout.Duration < 0 {
		return errors.New("tx ack timeout cannot be negative")
	}
	if c.Stack.InputQueueSize < 0 {
		return errors.New("stack input queue size cannot be negative")
	}
	if c.Stack.ARPMaxAge.Duration > 0 && c.Stack.ARPMaxAge.Duration < time.Second {
		return errors.New("arp max age must be at least 1 second if specified")
	}

	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface must be configured")
	}
	if len(c.Interfaces) > c.EffectiveMaxInterfaces() {
		return fmt.Errorf("%d interfaces configured, limit is %d", len(c.Interfaces), c.EffectiveMaxInterfaces())
	}

	seenNames := make(map[string]int)
	defaults := 0
	for i := range c.Interfaces {
		ic := &c.Interfaces[i]
		ic.Name = strings.TrimSpace(ic.Name)
		if ic.Name == "" {
			return fmt.Errorf("interface %d: name must be provided", i)
		}
		normalized := strings.ToLower(ic.Name)
		if _, exists := seenNames[normalized]; exists {
			return fmt.Errorf("duplicate interface name %q", ic.Name)
		}
		seenNames[normalized] = i
		if err := ic.validate(); err != nil {
			return fmt.Errorf("interface %q: %w", ic.Name, err)
		}
		if ic.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("only one interface may be the default")
	}

	// Pipes are configured in pairs naming each other.
	for _, ic := range c.Interfaces {
		if ic.Driver != "pipe" {
			continue
		}
		j, ok := seenNames[strings.ToLower(ic.Remote)]
		if !ok {
			return fmt.Errorf("interface %q: pipe remote %q is not a configured interface", ic.Name, ic.Remote)
		}
		peer := c.Interfaces[j]
		if peer.Driver != "pipe" || !strings.EqualFold(peer.Remote, ic.Name) {
			return fmt.Errorf("interface %q: pipe remote %q must be a pipe pointing back", ic.Name, ic.Remote)
		}
	}
	return nil
}

func (ic *InterfaceConfig) validate() error {
	ic.Driver = strings.ToLower(strings.TrimSpace(ic.Driver))
	switch ic.Driver {
	case "pipe":
		if ic.Remote == "" {
			return errors.New("pipe requires remote")
		}
		if strings.EqualFold(ic.Remote, ic.Name) {
			return errors.New("pipe cannot point at itself")
		}
	case "udp":
		if ic.Listen == "" {
			return errors.New("udp requires listen")
		}
		if err := validateHostPort(ic.Listen); err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
		if ic.Remote != "" {
			if err := validateHostPort(ic.Remote); err != nil {
				return fmt.Errorf("invalid remote address: %w", err)
			}
		}
	case "tun":
		if ic.Device == "" {
			ic.Device = ic.Name
		}
	case "packet":
		if ic.Device == "" {
			return errors.New("packet requires device")
		}
	case "websocket":
		if (ic.URL == "") == (ic.Listen == "") {
			return errors.New("websocket requires exactly one of url or listen")
		}
		if ic.URL != "" && !strings.HasPrefix(ic.URL, "ws://") && !strings.HasPrefix(ic.URL, "wss://") {
			return fmt.Errorf("unsupported websocket url %q", ic.URL)
		}
		if ic.Listen != "" {
			if err := validateHostPort(ic.Listen); err != nil {
				return fmt.Errorf("invalid listen address: %w", err)
			}
		}
	case "":
		return errors.New("driver must be provided")
	default:
		return fmt.Errorf("unsupported driver %q", ic.Driver)
	}

	if ic.MTU < 0 || (ic.MTU > 0 && (ic.MTU < 576 || ic.MTU > 9000)) {
		return fmt.Errorf("mtu %d out of valid range (576-9000)", ic.MTU)
	}
	if ic.HWAddr != "" {
		hw, err := net.ParseMAC(ic.HWAddr)
		if err != nil {
			return fmt.Errorf("invalid hwaddr %q: %w", ic.HWAddr, err)
		}
		if len(hw) != 6 {
			return fmt.Errorf("hwaddr %q is not an Ethernet address", ic.HWAddr)
		}
	}
	if ic.Address != "" {
		p, err := netip.ParsePrefix(ic.Address)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", ic.Address, err)
		}
		if !p.Addr().Is4() {
			return fmt.Errorf("address %q is not IPv4", ic.Address)
		}
	}
	if ic.Gateway != "" {
		gw, err := netip.ParseAddr(ic.Gateway)
		if err != nil {
			return fmt.Errorf("invalid gateway %q: %w", ic.Gateway, err)
		}
		if !gw.Is4() {
			return fmt.Errorf("gateway %q is not IPv4", ic.Gateway)
		}
	}
	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return errors.New("empty port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid hostname: contains spaces")
	}
	return nil
}

func (c *Config) NormalisedLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

func (c *Config) EffectiveRxQueueSize() int {
	if c.Dispatch.RxQueueSize <= 0 {
		return defaultQueueSize
	}
	return c.Dispatch.RxQueueSize
}

func (c *Config) EffectiveTxQueueSize() int {
	if c.Dispatch.TxQueueSize <= 0 {
		return defaultQueueSize
	}
	return c.Dispatch.TxQueueSize
}

func (c *Config) EffectiveTxMode() string {
	if c.Dispatch.TxMode == "" {
		return "direct"
	}
	return c.Dispatch.TxMode
}

func (c *Config) EffectiveTxAckTimeout() time.Duration {
	if c.Dispatch.TxAckTimeout.Duration <= 0 {
		return defaultTxAckTimeout
	}
	return c.Dispatch.TxAckTimeout.Duration
}

func (c *Config) EffectiveInputQueueSize() int {
	if c.Stack.InputQueueSize <= 0 {
		return defaultInputQueueSize
	}
	return c.Stack.InputQueueSize
}

func (c *Config) EffectiveARPMaxAge() time.Duration {
	if c.Stack.ARPMaxAge.Duration <= 0 {
		return defaultARPMaxAge
	}
	return c.Stack.ARPMaxAge.Duration
}

func (c *Config) EffectiveMaxInterfaces() int {
	if c.Stack.MaxInterfaces <= 0 {
		return defaultMaxInterfaces
	}
	return c.Stack.MaxInterfaces
}

// EffectiveMTU is the largest MTU across configured interfaces, used to size
// the frame pool.
func (c *Config) EffectiveMTU() int {
	mtu := defaultMTU
	for _, ic := range c.Interfaces {
		if ic.MTU > mtu {
			mtu = ic.MTU
		}
	}
	return mtu
}

func (c *Config) ManagementPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Management.ACL))
	for _, entry := range c.Management.ACL {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

// HardwareAddr returns the configured MAC override, or nil.
func (ic InterfaceConfig) HardwareAddr() net.HardwareAddr {
	if ic.HWAddr == "" {
		return nil
	}
	hw, err := net.ParseMAC(ic.HWAddr)
	if err != nil {
		return nil
	}
	return hw
}

func (ic InterfaceConfig) Prefix() netip.Prefix {
	p, err := netip.ParsePrefix(ic.Address)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}

func (ic InterfaceConfig) GatewayAddr() netip.Addr {
	gw, err := netip.ParseAddr(ic.Gateway)
	if err != nil {
		return netip.Addr{}
	}
	return gw
}
