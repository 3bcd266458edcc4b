package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"ai-voice-connector/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the complete connector configuration
type Config struct {
	SIP           SIPConfig
	Dialog        DialogConfig
	Admission     AdmissionConfig
	AI            AIConfig
	Media         MediaConfig
	HTTP          HTTPConfig
	Notifications NotificationConfig
	Logging       LoggingConfig
	Tracing       TracingConfig

	// EnvFile is the absolute path of the .env file that was loaded, if any
	EnvFile string
}

// SIPConfig holds the TCP signaling listener settings
type SIPConfig struct {
	// ListenIP is the address the TCP listener binds to
	ListenIP string

	// Port is the TCP port for SIP signaling
	Port int

	// AdvertisedIP is placed in Contact headers and SDP answers
	AdvertisedIP string

	// MaxMessageSize bounds a single framed message (headers plus body)
	MaxMessageSize int

	// ReadTimeout closes idle connections; zero disables it
	ReadTimeout time.Duration

	// WriteTimeout bounds a single response write
	WriteTimeout time.Duration
}

// ListenAddress returns host:port for the listener
func (s SIPConfig) ListenAddress() string {
	return net.JoinHostPort(s.ListenIP, strconv.Itoa(s.Port))
}

// DialogConfig holds dialog lifecycle settings
type DialogConfig struct {
	TagLength         int
	Shards            int
	CallCreateTimeout time.Duration
	AckTimeout        time.Duration
}

// AdmissionConfig limits how fast a source may open new dialogs
type AdmissionConfig struct {
	Enabled          bool
	InvitesPerSecond float64
	InviteBurst      int
	BlockDuration    time.Duration
	WhitelistedIPs   []string
}

// AIConfig controls which AI profile serves a call
type AIConfig struct {
	DefaultProfile string
	ProfileHeader  string

	// Profiles maps a profile name to its codec preference list
	Profiles map[string][]string
}

// ProfileNames returns the configured profile names, sorted
func (a AIConfig) ProfileNames() []string {
	names := make([]string, 0, len(a.Profiles))
	for name := range a.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MediaConfig holds the RTP port range offered in answers
type MediaConfig struct {
	RTPPortMin int
	RTPPortMax int
}

// HTTPConfig holds the admin HTTP server settings
type HTTPConfig struct {
	Enabled       bool
	Port          int
	EnableMetrics bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// NotificationConfig lists the dialog event sinks
type NotificationConfig struct {
	WebhookURLs    []string
	WebhookTimeout time.Duration

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string
	Format     string
	OutputFile string
}

// TracingConfig controls OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// DefaultAIProfiles returns the profiles available when AI_PROFILES is unset
func DefaultAIProfiles() map[string][]string {
	return map[string][]string{
		"deepgram": {"PCMU", "PCMA"},
		"openai":   {"PCMU", "PCMA", "opus"},
		"azure":    {"PCMU", "PCMA", "G722"},
	}
}

// Load reads the configuration from .env files and the environment
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{EnvFile: loadedFrom}

	if err := loadSIPConfig(logger, &config.SIP); err != nil {
		return nil, errors.Wrap(err, "failed to load SIP configuration")
	}
	if err := loadDialogConfig(logger, &config.Dialog); err != nil {
		return nil, errors.Wrap(err, "failed to load dialog configuration")
	}
	loadAdmissionConfig(&config.Admission)
	if err := loadAIConfig(logger, &config.AI); err != nil {
		return nil, errors.Wrap(err, "failed to load AI configuration")
	}
	loadMediaConfig(&config.Media)
	loadHTTPConfig(&config.HTTP)
	loadNotificationConfig(&config.Notifications)
	loadLoggingConfig(logger, &config.Logging)
	loadTracingConfig(&config.Tracing)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadSIPConfig(logger *logrus.Logger, config *SIPConfig) error {
	config.ListenIP = getEnv("SIP_LISTEN_IP", getEnv("IP", "0.0.0.0"))
	if net.ParseIP(config.ListenIP) == nil {
		return errors.NewInvalidInput(fmt.Sprintf("invalid SIP_LISTEN_IP: %s", config.ListenIP))
	}

	config.Port = getEnvInt("SIP_PORT", getEnvInt("PORT", 8080))

	config.AdvertisedIP = getEnv("SIP_ADVERTISED_IP", "")
	if config.AdvertisedIP == "" {
		if ip := net.ParseIP(config.ListenIP); ip != nil && !ip.IsUnspecified() {
			config.AdvertisedIP = config.ListenIP
		} else {
			config.AdvertisedIP = getInternalIP(logger)
		}
		logger.WithField("advertised_ip", config.AdvertisedIP).Info("SIP_ADVERTISED_IP not set, using detected address")
	}

	config.MaxMessageSize = getEnvInt("SIP_MAX_MESSAGE_SIZE", 65535)
	config.ReadTimeout = getEnvDuration("SIP_READ_TIMEOUT", 0)
	config.WriteTimeout = getEnvDuration("SIP_WRITE_TIMEOUT", 10*time.Second)
	return nil
}

func loadDialogConfig(logger *logrus.Logger, config *DialogConfig) error {
	config.TagLength = getEnvInt("SIP_TAG_LENGTH", 8)
	config.Shards = getEnvInt("DIALOG_SHARDS", 32)
	if config.Shards <= 0 || config.Shards&(config.Shards-1) != 0 {
		logger.WithField("shards", config.Shards).Warn("DIALOG_SHARDS must be a power of two, using 32")
		config.Shards = 32
	}
	config.CallCreateTimeout = getEnvDuration("CALL_CREATE_TIMEOUT", 10*time.Second)
	config.AckTimeout = getEnvDuration("ACK_TIMEOUT", 32*time.Second)
	return nil
}

func loadAdmissionConfig(config *AdmissionConfig) {
	config.Enabled = getEnvBool("RATE_LIMIT_SIP_ENABLED", false)
	config.InvitesPerSecond = getEnvFloat("RATE_LIMIT_SIP_INVITE_RPS", 10)
	config.InviteBurst = getEnvInt("RATE_LIMIT_SIP_INVITE_BURST", 50)
	config.BlockDuration = getEnvDuration("RATE_LIMIT_BLOCK_DURATION", 0)
	config.WhitelistedIPs = getEnvList("RATE_LIMIT_WHITELIST_IPS")
}

func loadTracingConfig(config *TracingConfig) {
	config.Enabled = getEnvBool("TRACING_ENABLED", false)
	config.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	config.Insecure = getEnvBool("TRACING_INSECURE", true)
	config.ServiceName = getEnv("OTEL_SERVICE_NAME", "ai-voice-connector")
	config.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", 1.0)
}

func loadAIConfig(logger *logrus.Logger, config *AIConfig) error {
	config.DefaultProfile = getEnv("AI_DEFAULT_PROFILE", "deepgram")
	config.ProfileHeader = getEnv("AI_PROFILE_HEADER", "X-AI-Profile")

	raw := strings.TrimSpace(os.Getenv("AI_PROFILES"))
	if raw == "" {
		config.Profiles = DefaultAIProfiles()
		return nil
	}

	profiles, err := ParseProfiles(raw)
	if err != nil {
		return err
	}
	config.Profiles = profiles
	logger.WithField("profiles", config.ProfileNames()).Debug("Loaded AI profiles from AI_PROFILES")
	return nil
}

// ParseProfiles parses "name=CODEC,CODEC;name=CODEC" into a profile map
func ParseProfiles(raw string) (map[string][]string, error) {
	profiles := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, codecList, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.NewInvalidInput(fmt.Sprintf("invalid AI profile entry %q", entry))
		}

		var codecs []string
		for _, codec := range strings.Split(codecList, ",") {
			if codec = strings.TrimSpace(codec); codec != "" {
				codecs = append(codecs, codec)
			}
		}
		if len(codecs) == 0 {
			return nil, errors.NewInvalidInput(fmt.Sprintf("AI profile %q has no codecs", name))
		}
		profiles[name] = codecs
	}
	if len(profiles) == 0 {
		return nil, errors.NewInvalidInput("AI_PROFILES defines no profiles")
	}
	return profiles, nil
}

func loadMediaConfig(config *MediaConfig) {
	config.RTPPortMin = getEnvInt("RTP_PORT_MIN", 35000)
	config.RTPPortMax = getEnvInt("RTP_PORT_MAX", 65000)
}

func loadHTTPConfig(config *HTTPConfig) {
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.Port = getEnvInt("HTTP_PORT", 9090)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
}

func loadNotificationConfig(config *NotificationConfig) {
	config.WebhookURLs = getEnvList("NOTIFY_WEBHOOK_URLS")
	config.WebhookTimeout = getEnvDuration("NOTIFY_TIMEOUT", 3*time.Second)
	config.AMQPURL = getEnv("AMQP_URL", "")
	config.AMQPExchange = getEnv("AMQP_EXCHANGE", "")
	config.AMQPQueue = getEnv("AMQP_QUEUE_NAME", "aivc-events")
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return errors.NewInvalidInput(fmt.Sprintf("invalid SIP port %d", c.SIP.Port))
	}
	if c.HTTP.Enabled && c.SIP.Port == c.HTTP.Port {
		return errors.NewInvalidInput(fmt.Sprintf("port conflict: SIP port %d conflicts with HTTP port", c.SIP.Port))
	}
	if c.SIP.MaxMessageSize < 1024 {
		return errors.NewInvalidInput("SIP_MAX_MESSAGE_SIZE must be at least 1024 bytes")
	}
	if c.Dialog.TagLength < 4 {
		return errors.NewInvalidInput("SIP_TAG_LENGTH must be at least 4")
	}
	if c.Dialog.CallCreateTimeout <= 0 || c.Dialog.AckTimeout <= 0 {
		return errors.NewInvalidInput("CALL_CREATE_TIMEOUT and ACK_TIMEOUT must be positive")
	}
	if c.Media.RTPPortMin <= 0 || c.Media.RTPPortMax > 65535 || c.Media.RTPPortMax <= c.Media.RTPPortMin {
		return errors.NewInvalidInput("invalid RTP port range: RTP_PORT_MAX must be greater than RTP_PORT_MIN")
	}
	if c.Admission.Enabled && (c.Admission.InvitesPerSecond <= 0 || c.Admission.InviteBurst < 1) {
		return errors.NewInvalidInput("RATE_LIMIT_SIP_INVITE_RPS and RATE_LIMIT_SIP_INVITE_BURST must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.NewInvalidInput("TRACING_SAMPLE_RATIO must be between 0 and 1")
	}
	if _, ok := c.AI.Profiles[c.AI.DefaultProfile]; !ok {
		return errors.NewInvalidInput(fmt.Sprintf("AI_DEFAULT_PROFILE %q is not a configured profile", c.AI.DefaultProfile)).
			WithField("profiles", c.AI.ProfileNames())
	}
	return nil
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, ok := parseBool(os.Getenv(key)); ok {
		return b
	}
	return defaultValue
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1", "on":
		return true, true
	case "false", "no", "0", "off":
		return false, true
	default:
		return false, false
	}
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func getInternalIP(logger *logrus.Logger) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Warn("Could not get interface addresses, using localhost as fallback")
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	logger.Warn("Could not find non-loopback interface address, using localhost as fallback")
	return "127.0.0.1"
}
