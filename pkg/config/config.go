package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Overlord OverlordConfig `mapstructure:"overlord"`
}

// OverlordConfig holds the tunables for the task lifecycle coordinator and
// its coordination-store binding.
type OverlordConfig struct {
	EtcdEndpoints          []string `mapstructure:"etcd_endpoints"`
	EtcdDialTimeoutSeconds int      `mapstructure:"etcd_dial_timeout_seconds"`
	SessionTTLSeconds      int      `mapstructure:"session_ttl_seconds"`

	TaskAssignmentTimeoutSeconds  int `mapstructure:"task_assignment_timeout_seconds"`
	TaskCleanupTimeoutSeconds     int `mapstructure:"task_cleanup_timeout_seconds"`
	AssignmentLoopIntervalSeconds int `mapstructure:"assignment_loop_interval_seconds"`
	MaintenanceIntervalSeconds    int `mapstructure:"maintenance_interval_seconds"`

	// AssignmentStoreWriteRPS/Burst cap how fast a single assignment pass
	// writes new assignment nodes to the coordination store. Zero means
	// unlimited.
	AssignmentStoreWriteRPS   int `mapstructure:"assignment_store_write_rps"`
	AssignmentStoreWriteBurst int `mapstructure:"assignment_store_write_burst"`

	BlacklistMaxPercentage     int `mapstructure:"blacklist_max_percentage"`
	BlacklistInitialBackoffSec int `mapstructure:"blacklist_initial_backoff_seconds"`
	BlacklistMaxBackoffSec     int `mapstructure:"blacklist_max_backoff_seconds"`

	ReportProxyTimeoutSeconds int `mapstructure:"report_proxy_timeout_seconds"`
	// ReportProxyStreamOpenRPS/Burst cap how fast the report proxy opens
	// new live-report streams against workers. Zero means unlimited.
	ReportProxyStreamOpenRPS   int `mapstructure:"report_proxy_stream_open_rps"`
	ReportProxyStreamOpenBurst int `mapstructure:"report_proxy_stream_open_burst"`

	HTTPPort int `mapstructure:"http_port"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/linkflow")

	// Set defaults
	setDefaults()

	// Enable environment variables
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("LINKFLOW")

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist, we'll use defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideFromEnv(&config)

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	// Kafka defaults
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "linkflow-group")

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
	viper.SetDefault("logger.stacktrace", false)

	// Overlord defaults
	viper.SetDefault("overlord.etcd_endpoints", []string{"localhost:2379"})
	viper.SetDefault("overlord.etcd_dial_timeout_seconds", 5)
	viper.SetDefault("overlord.session_ttl_seconds", 10)
	viper.SetDefault("overlord.task_assignment_timeout_seconds", 300)
	viper.SetDefault("overlord.task_cleanup_timeout_seconds", 60)
	viper.SetDefault("overlord.assignment_loop_interval_seconds", 1)
	viper.SetDefault("overlord.maintenance_interval_seconds", 30)
	viper.SetDefault("overlord.assignment_store_write_rps", 0)
	viper.SetDefault("overlord.assignment_store_write_burst", 0)
	viper.SetDefault("overlord.blacklist_max_percentage", 20)
	viper.SetDefault("overlord.blacklist_initial_backoff_seconds", 60)
	viper.SetDefault("overlord.blacklist_max_backoff_seconds", 1800)
	viper.SetDefault("overlord.report_proxy_timeout_seconds", 30)
	viper.SetDefault("overlord.report_proxy_stream_open_rps", 0)
	viper.SetDefault("overlord.report_proxy_stream_open_burst", 0)
	viper.SetDefault("overlord.http_port", 8090)
}

func overrideFromEnv(cfg *Config) {
	// Viper's AutomaticEnv maps these keys to LINKFLOW_KAFKA_BROKERS and
	// LINKFLOW_SERVER_PORT; they are re-read explicitly so the broker list
	// can be given as a comma-separated string.
	if brokers := viper.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if servicePort := viper.GetInt("SERVER_PORT"); servicePort != 0 {
		cfg.Server.Port = servicePort
	}
}
