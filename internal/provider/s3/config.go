package s3

import "time"

// Config configures the S3-compatible bucket provider. Storage-tier/cost
// fields the teacher carried (TierConstraints, CostOptimization,
// PricingConfig) have no home in this domain and were dropped; see
// DESIGN.md.
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	UseAccelerate bool `yaml:"use_accelerate"`
	UseDualStack  bool `yaml:"use_dual_stack"`

	// ChunkSizeBytes is the provider/strategy chunk-size constant (§3);
	// typically the encrypting reader's data-chunk size, a power-of-two on
	// the order of 1 MiB.
	ChunkSizeBytes int64 `yaml:"chunk_size_bytes"`

	// EncryptionToken non-empty enables the streaming AEAD layer for every
	// object this provider serves.
	EncryptionToken string `yaml:"encryption_token"`

	// EnableCargoShipOptimization threads whole-object uploads through
	// CargoShip's multipart transporter instead of a plain PutObject.
	EnableCargoShipOptimization bool `yaml:"enable_cargoship_optimization"`
}

// NewDefaultConfig returns sane defaults for a bucket provider.
func NewDefaultConfig() *Config {
	return &Config{
		MaxRetries:                  3,
		ConnectTimeout:              10 * time.Second,
		RequestTimeout:              30 * time.Second,
		PoolSize:                    8,
		ChunkSizeBytes:              1 << 20,
		EnableCargoShipOptimization: true,
	}
}
