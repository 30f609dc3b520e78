// Package config 聚合整个服务的配置:持久化的 relay.yaml 设置与环境变量覆盖项。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/tavern-relay/internal/model/params"
)

// Settings is the persisted, UI-editable part of the configuration. Its
// keys mirror the relay.yaml file on disk.
type Settings struct {
	Mode                string        `yaml:"mode" json:"mode"`
	Character           string        `yaml:"character" json:"character"`
	InstructionTemplate string        `yaml:"instruction_template" json:"instruction_template"`
	StartingChannel     string        `yaml:"starting_channel" json:"starting_channel"`
	ChannelWhitelist    []string      `yaml:"channel_whitelist" json:"channel_whitelist"`
	ChannelBlacklist    []string      `yaml:"channel_blacklist" json:"channel_blacklist"`
	Params              params.Params `yaml:"params" json:"params"`
}

// DefaultSettings mirrors a fresh deployment with nothing configured.
func DefaultSettings() Settings {
	return Settings{
		Mode:      "chat",
		Character: "None",
		Params:    params.Defaults(),
	}
}

// Config holds process-level knobs read from the environment. The bot token
// is read from a plain-text file and never lives in settings.
type Config struct {
	SettingsPath   string
	TokenPath      string
	BackendURL     string
	ListenAddr     string
	CharactersDir  string
	TemplatesDir   string
	ArchivePath    string
	BackendTimeout time.Duration
	WatchPersonas  bool
}

// Load 从环境变量加载进程配置。
func Load() (*Config, error) {
	timeoutSeconds, err := parseOptionalIntEnv("BACKEND_TIMEOUT")
	if err != nil {
		return nil, err
	}
	timeout := 120 * time.Second
	if timeoutSeconds != nil {
		timeout = time.Duration(*timeoutSeconds) * time.Second
	}

	watch, err := parseBoolEnv("PERSONA_WATCH", false)
	if err != nil {
		return nil, err
	}

	addr, err := listenAddr()
	if err != nil {
		return nil, err
	}

	return &Config{
		SettingsPath:   getEnvOrDefault("RELAY_SETTINGS", "relay.yaml"),
		TokenPath:      getEnvOrDefault("RELAY_TOKEN_FILE", "token.txt"),
		BackendURL:     getEnvOrDefault("BACKEND_URL", "http://localhost:5000"),
		ListenAddr:     addr,
		CharactersDir:  getEnvOrDefault("CHARACTERS_DIR", "characters"),
		TemplatesDir:   getEnvOrDefault("TEMPLATES_DIR", "instruction-templates"),
		ArchivePath:    strings.TrimSpace(os.Getenv("ARCHIVE_PATH")),
		BackendTimeout: timeout,
		WatchPersonas:  watch,
	}, nil
}

// ReadToken reads the bot token from its plain-text file.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// Manager guards the mutable settings shared between the event consumer and
// the admin surface.
type Manager struct {
	mu       sync.RWMutex
	path     string
	settings Settings
	log      *zap.Logger
}

// NewManager loads settings from path. A missing or malformed file falls
// back to defaults with a warning; it is never fatal.
func NewManager(path string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{path: path, settings: DefaultSettings(), log: log}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("settings file missing, using defaults",
			zap.String("path", path), zap.Error(err))
		return m
	}
	var loaded Settings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		log.Warn("settings file malformed, using defaults",
			zap.String("path", path), zap.Error(err))
		return m
	}
	if loaded.Mode == "" {
		loaded.Mode = "chat"
	}
	m.settings = loaded
	return m
}

// Snapshot returns a copy of the current settings.
func (m *Manager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.settings
	out.ChannelWhitelist = append([]string(nil), m.settings.ChannelWhitelist...)
	out.ChannelBlacklist = append([]string(nil), m.settings.ChannelBlacklist...)
	out.Params = m.settings.Params.Resolved()
	return out
}

// Update applies fn to the settings under the lock.
func (m *Manager) Update(fn func(*Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.settings)
}

// Save writes the settings back to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.settings)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write settings %s: %w", m.path, err)
	}
	return nil
}

func listenAddr() (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8081"
	}
	if strings.Contains(port, ":") {
		// 允许直接传入 ":8081" 或 "127.0.0.1:8081"。
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
