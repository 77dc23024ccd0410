// Package config handles configuration persistence for the omroncip service.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"omroncip/cip"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete service configuration.
type Config struct {
	Namespace   string         `yaml:"namespace"` // topic/key prefix shared by all publishers
	PLCs        []PLCConfig    `yaml:"plcs"`
	API         APIConfig      `yaml:"api"`
	MQTT        []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey      []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka       []KafkaConfig  `yaml:"kafka,omitempty"`
	PollRate    time.Duration  `yaml:"poll_rate"`
	Capture     CaptureConfig  `yaml:"capture,omitempty"`
	LogFile     string         `yaml:"log_file,omitempty"`
	DebugLog    string         `yaml:"debug_log,omitempty"`
	DebugFilter string         `yaml:"debug_filter,omitempty"` // comma-separated protocols, empty = all

	// dataMu guards every field above. Callers that modify config should Lock(),
	// modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// PLCConfig describes one controller and the tags polled from it.
type PLCConfig struct {
	Name     string         `yaml:"name"`
	Address  string         `yaml:"address"`
	Port     uint16         `yaml:"port,omitempty"` // default 44818
	Slot     byte           `yaml:"slot"`
	Enabled  bool           `yaml:"enabled"`
	PollRate time.Duration  `yaml:"poll_rate,omitempty"` // overrides Config.PollRate
	Timeout  time.Duration  `yaml:"timeout,omitempty"`   // default 5s
	Tags     []TagSelection `yaml:"tags,omitempty"`
}

// TagSelection is a tag the poll manager reads and republishes.
type TagSelection struct {
	Name     string `yaml:"name"`
	Alias    string `yaml:"alias,omitempty"`
	DataType string `yaml:"data_type,omitempty"` // DINT, REAL, STRING...; required for writes of untyped input
	Count    int    `yaml:"count,omitempty"`     // elements to read, default 1
	Enabled  bool   `yaml:"enabled"`
	Writable bool   `yaml:"writable,omitempty"`
	NoREST   bool   `yaml:"no_rest,omitempty"`
	NoMQTT   bool   `yaml:"no_mqtt,omitempty"`
	NoKafka  bool   `yaml:"no_kafka,omitempty"`
	NoValkey bool   `yaml:"no_valkey,omitempty"`
}

// DisplayName returns the alias if set, otherwise the tag name.
func (t *TagSelection) DisplayName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// ElementCount returns Count, defaulting to 1.
func (t *TagSelection) ElementCount() int {
	if t.Count < 1 {
		return 1
	}
	return t.Count
}

// FindTag returns the tag selection for name (tag name or alias, case-insensitive), or nil.
func (p *PLCConfig) FindTag(name string) *TagSelection {
	for i := range p.Tags {
		if strings.EqualFold(p.Tags[i].Name, name) || (p.Tags[i].Alias != "" && strings.EqualFold(p.Tags[i].Alias, name)) {
			return &p.Tags[i]
		}
	}
	return nil
}

// EnabledTags returns the tags selected for polling.
func (p *PLCConfig) EnabledTags() []TagSelection {
	var out []TagSelection
	for _, t := range p.Tags {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []APIUser `yaml:"users,omitempty"`
}

// APIUser may log in to the API. Only admins may write tags.
type APIUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// API user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// HashPassword returns a bcrypt hash suitable for APIUser.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func (u *APIUser) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// CaptureConfig enables writing every exchanged EtherNet/IP frame to a pcap file.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds Kafka cluster configuration. Pointer fields distinguish
// "not set" from an explicit false.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	Topic            string `yaml:"topic,omitempty"` // default "<namespace>-tags"
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // default true

	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
	ConsumerGroup   string        `yaml:"consumer_group,omitempty"` // default "omroncip-<name>-writers"
	WriteMaxAge     time.Duration `yaml:"write_max_age,omitempty"`  // default 2s
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "omroncip",
		PLCs:      []PLCConfig{},
		PollRate:  time.Second,
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// DefaultMQTTConfig returns an MQTT broker entry pointing at localhost.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "omroncip-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey entry pointing at localhost.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka cluster entry pointing at localhost.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// DefaultPath returns the default configuration file path (~/.omroncip/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".omroncip", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the defaults,
// which are written back so the user has something to edit.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.API.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.API.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // best-effort
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback run after every successful save.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}
	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // release before I/O

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	c.notifyChangeListeners()
	return nil
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC by name.
func (c *Config) RemovePLC(name string) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePLC replaces an existing PLC configuration.
func (c *Config) UpdatePLC(name string, updated PLCConfig) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT broker configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT broker by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey server configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// AddKafka adds a new Kafka cluster configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindAPIUser returns the API user with the given username, or nil if not found.
func (c *Config) FindAPIUser(username string) *APIUser {
	for i := range c.API.Users {
		if c.API.Users[i].Username == username {
			return &c.API.Users[i]
		}
	}
	return nil
}

// AddAPIUser adds a user with a freshly hashed password.
func (c *Config) AddAPIUser(username, password, role string) error {
	if c.FindAPIUser(username) != nil {
		return fmt.Errorf("user %q already exists", username)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	c.API.Users = append(c.API.Users, APIUser{Username: username, PasswordHash: hash, Role: role})
	return nil
}

// Validate checks the configuration for errors, reporting all of them at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace %q: use letters, digits, '-', '_' and '.'", c.Namespace))
	}

	seen := make(map[string]bool)
	for i := range c.PLCs {
		p := &c.PLCs[i]
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("plcs[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("plcs[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Address == "" {
			errs = append(errs, fmt.Errorf("plc %q: address is required", p.Name))
		}
		for _, t := range p.Tags {
			if _, err := cip.ParseTagAddress(t.Name); err != nil {
				errs = append(errs, fmt.Errorf("plc %q: %w", p.Name, err))
			}
			if t.DataType != "" {
				if _, ok := cip.TypeFromName(t.DataType); !ok {
					errs = append(errs, fmt.Errorf("plc %q tag %q: unknown data type %q", p.Name, t.Name, t.DataType))
				}
			}
			if t.Count < 0 || t.Count > 0xFFFF {
				errs = append(errs, fmt.Errorf("plc %q tag %q: count %d out of range", p.Name, t.Name, t.Count))
			}
		}
	}

	for _, u := range c.API.Users {
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			errs = append(errs, fmt.Errorf("api user %q: role must be %q or %q", u.Username, RoleAdmin, RoleViewer))
		}
	}
	return errors.Join(errs...)
}

// IsValidNamespace reports whether ns contains only letters, digits, '-', '_' and '.'.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
