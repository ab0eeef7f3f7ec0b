package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/theblitlabs/parity-federated/internal/models"
)

type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Database    DatabaseConfig          `mapstructure:"database"`
	Federation  models.FederationConfig `mapstructure:"federation"`
	Aggregation AggregationConfig       `mapstructure:"aggregation"`
	Client      ClientConfig            `mapstructure:"client"`
}

// AggregationConfig picks the aggregation strategy and the participant
// selection policy the coordinator runs with.
type AggregationConfig struct {
	Strategy        string `mapstructure:"strategy"`        // fedavg | byzantine | personalized | adaptive
	RobustMethod    string `mapstructure:"robust_method"`   // krum | median | trimmed_mean | bulyan
	Personalization string `mapstructure:"personalization"` // local_fine_tuning | clustering | meta_learning
	Selection       string `mapstructure:"selection"`       // trust | oort | adaptive | fairness
}

type ServerConfig struct {
	Host      string          `mapstructure:"host"`
	Port      string          `mapstructure:"port"`
	Endpoint  string          `mapstructure:"endpoint"`
	JWTSecret string          `mapstructure:"jwt_secret"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
}

type WebsocketConfig struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// ClientConfig configures a participating training client.
type ClientConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	ClientID          string        `mapstructure:"client_id"`
	Institution       string        `mapstructure:"institution"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ModelType         string        `mapstructure:"model_type"`
	Epochs            int           `mapstructure:"epochs"`
	BatchSize         int           `mapstructure:"batch_size"`
	LearningRate      float64       `mapstructure:"learning_rate"`
	InputSize         int           `mapstructure:"input_size"`
	Samples           int           `mapstructure:"samples"`
	Compression       bool          `mapstructure:"compression"`
	CompressionRatio  float64       `mapstructure:"compression_ratio"`
	BandwidthBudget   int           `mapstructure:"bandwidth_budget"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("PARITY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	config := Config{Federation: models.DefaultFederationConfig()}
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	if config.Server.Endpoint == "" {
		config.Server.Endpoint = "/api/v1"
	}
	if config.Server.Websocket.WriteWait == 0 {
		config.Server.Websocket.WriteWait = 10 * time.Second
	}
	if config.Server.Websocket.PongWait == 0 {
		config.Server.Websocket.PongWait = 60 * time.Second
	}
	if config.Server.Websocket.MaxMessageSize == 0 {
		config.Server.Websocket.MaxMessageSize = 1 << 20
	}
	if config.Aggregation.Strategy == "" {
		config.Aggregation.Strategy = "fedavg"
	}
	if config.Aggregation.RobustMethod == "" {
		config.Aggregation.RobustMethod = "krum"
	}
	if config.Aggregation.Personalization == "" {
		config.Aggregation.Personalization = "local_fine_tuning"
	}
	if config.Aggregation.Selection == "" {
		config.Aggregation.Selection = "trust"
	}
	if config.Client.HeartbeatInterval == 0 {
		config.Client.HeartbeatInterval = 30 * time.Second
	}
	if config.Client.PollInterval == 0 {
		config.Client.PollInterval = 5 * time.Second
	}
	if config.Client.ModelType == "" {
		config.Client.ModelType = "linear_regression"
	}
	if config.Client.Epochs == 0 {
		config.Client.Epochs = 5
	}
	if config.Client.BatchSize == 0 {
		config.Client.BatchSize = 32
	}
	if config.Client.LearningRate == 0 {
		config.Client.LearningRate = 0.01
	}
	if config.Client.InputSize == 0 {
		config.Client.InputSize = 10
	}
	if config.Client.Samples == 0 {
		config.Client.Samples = 256
	}
	if config.Client.CompressionRatio == 0 {
		config.Client.CompressionRatio = 0.25
	}
}
