package acme

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultCADirectoryURL  = "https://acme-v02.api.letsencrypt.org/directory"
	DefaultCertificatePath = "/cloudfront/cdn-acme/"
)

// Duration is a time.Duration that reads and writes as "5m" in both
// environment variables and TOML files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info" toml:"level" validate:"oneof=debug info warn error"`
	Format string `env:"FORMAT" envDefault:"json" toml:"format" validate:"oneof=json text"`
}

// Config is read from the function environment, or from a TOML file when
// running locally.
type Config struct {
	// DomainName holds one or more domain sets: "a.cn,*.a.cn;b.cn".
	DomainName         string `env:"DOMAIN_NAME" toml:"domain_name" validate:"required"`
	Email              string `env:"EMAIL" toml:"email" validate:"required,email"`
	RenewIntervalDays  int    `env:"RENEW_INTERVAL_DAYS" envDefault:"80" toml:"renew_interval_days" validate:"min=1,max=89"`
	CADirectoryURL     string `env:"CA_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory" toml:"ca_directory_url" validate:"required,url"`
	CertificateKeyType string `env:"CERTIFICATE_KEY_TYPE" envDefault:"RSA2048" toml:"certificate_key_type" validate:"oneof=RSA2048 RSA4096 EC256 EC384"`

	Region          string `env:"AWS_REGION" envDefault:"cn-north-1" toml:"region" validate:"required"`
	BucketName      string `env:"BUCKET_NAME" toml:"bucket_name" validate:"required"`
	TopicArn        string `env:"TOPIC_ARN" toml:"topic_arn" validate:"required"`
	CertificatePath string `env:"CERTIFICATE_PATH" envDefault:"/cloudfront/cdn-acme/" toml:"certificate_path" validate:"required,startswith=/cloudfront/,endswith=/"`

	// Static credentials are only read from TOML, for local runs.
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`

	DNSPropagationTimeout Duration `env:"DNS_PROPAGATION_TIMEOUT" envDefault:"5m" toml:"dns_propagation_timeout"`
	AuthorizationTimeout  Duration `env:"AUTHORIZATION_TIMEOUT" envDefault:"3m" toml:"authorization_timeout"`
	CleanupReserve        Duration `env:"CLEANUP_RESERVE" envDefault:"45s" toml:"cleanup_reserve"`

	DistributionPageSize int32 `env:"DISTRIBUTION_PAGE_SIZE" envDefault:"100" toml:"distribution_page_size" validate:"min=1,max=1000"`
	DistributionMaxItems int   `env:"DISTRIBUTION_MAX_ITEMS" envDefault:"1000" toml:"distribution_max_items" validate:"min=1"`

	Log LogConfig `envPrefix:"LOG_" toml:"log"`
}

// DefaultConfig returns a Config holding only default values.
func DefaultConfig() Config {
	var cfg Config
	// An empty environment leaves the envDefault values in place.
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("acme: invalid config defaults: %v", err))
	}
	return cfg
}

// LoadFromEnv reads and validates the configuration from the process
// environment.
func LoadFromEnv() (*Config, error) {
	return loadFromEnvironment(nil)
}

func loadFromEnvironment(environment map[string]string) (*Config, error) {
	var cfg Config
	opts := env.Options{}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromToml reads a TOML file on top of the defaults and validates it.
func LoadFromToml(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrConfiguration, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if _, err := ParseDomainSets(c.DomainName); err != nil {
		return err
	}
	if c.DNSPropagationTimeout <= 0 || c.AuthorizationTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrConfiguration)
	}
	if c.CleanupReserve < 0 {
		return fmt.Errorf("%w: cleanup reserve cannot be negative", ErrConfiguration)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("%w: access_key_id and secret_access_key must be set together", ErrConfiguration)
	}
	return nil
}

// DomainSets parses DomainName. Call Validate first.
func (c *Config) DomainSets() ([]DomainSet, error) {
	return ParseDomainSets(c.DomainName)
}

// KeyType maps CertificateKeyType to lego's key type.
func (c *Config) KeyType() certcrypto.KeyType {
	switch c.CertificateKeyType {
	case "EC256":
		return certcrypto.EC256
	case "EC384":
		return certcrypto.EC384
	case "RSA4096":
		return certcrypto.RSA4096
	default:
		return certcrypto.RSA2048
	}
}
