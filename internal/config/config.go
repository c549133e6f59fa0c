// Package config handles configuration loading for the bedm CLI.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive
// values like database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - environment: default clearinghouse environment (production|staging)
//   - documents: filesystem root of the document store
//   - storage: ledger backend selection and connection settings
//   - signing: issuer certificate and private key (PEM files)
//   - sefaz: endpoint overrides and closure location defaults
//
// # Example Configuration
//
//	environment: staging
//
//	documents:
//	  root: /var/lib/bedm/documents
//
//	storage:
//	  backend: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: bedm
//
//	signing:
//	  certFile: /etc/bedm/issuer.crt.pem
//	  keyFile: /etc/bedm/issuer.key.pem
//
//	sefaz:
//	  closure:
//	    uf: "35"
//	    municipality: "3536505"
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aguimaraes/bedm/pkg/manifest"
	"github.com/aguimaraes/bedm/pkg/sefaz"
)

// Config is the root configuration structure
type Config struct {
	Environment string          `yaml:"environment"`
	Documents   DocumentsConfig `yaml:"documents"`
	Storage     StorageConfig   `yaml:"storage"`
	Signing     SigningConfig   `yaml:"signing"`
	Sefaz       SefazConfig     `yaml:"sefaz"`
}

// DocumentsConfig holds document store settings
type DocumentsConfig struct {
	Root string `yaml:"root"`
}

// StorageConfig holds ledger backend settings
type StorageConfig struct {
	// Backend selects the ledger implementation: mongodb or postgres
	Backend  string         `yaml:"backend"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
}

// SigningConfig holds the issuer key pair used for XML signatures
type SigningConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// SefazConfig holds clearinghouse settings
type SefazConfig struct {
	// Endpoints override the built-in web service URLs per
	// environment and service name.
	Endpoints EndpointOverrides `yaml:"endpoints"`
	Closure   ClosureConfig     `yaml:"closure"`
	Cancel    CancelConfig      `yaml:"cancel"`
}

// EndpointOverrides maps service names to URLs per environment
type EndpointOverrides struct {
	Production map[string]string `yaml:"production"`
	Staging    map[string]string `yaml:"staging"`
}

// ClosureConfig holds the jurisdiction and municipality reported on
// closure events
type ClosureConfig struct {
	UF           string `yaml:"uf"`
	Municipality string `yaml:"municipality"`
}

// CancelConfig holds cancellation defaults
type CancelConfig struct {
	// DefaultReason is used when the CLI omits a justification. The
	// clearinghouse requires at least 15 characters.
	DefaultReason string `yaml:"defaultReason"`
}

// EndpointSet applies configured overrides on top of the built-in
// endpoint tables.
func (c *SefazConfig) EndpointSet() *sefaz.EndpointSet {
	set := sefaz.DefaultEndpoints()
	for svc, url := range c.Endpoints.Production {
		set.Production[sefaz.Service(svc)] = url
	}
	for svc, url := range c.Endpoints.Staging {
		set.Staging[sefaz.Service(svc)] = url
	}
	return set
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "staging"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "mongodb"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "bedm"
	}
	if c.Sefaz.Closure.UF == "" {
		c.Sefaz.Closure.UF = "35"
	}
	if c.Sefaz.Closure.Municipality == "" {
		c.Sefaz.Closure.Municipality = "3536505"
	}
	if c.Sefaz.Cancel.DefaultReason == "" {
		c.Sefaz.Cancel.DefaultReason = "Erro de emissao do manifesto"
	}
}

func (c *Config) validate() error {
	if _, err := manifest.ParseEnvironment(c.Environment); err != nil {
		return fmt.Errorf("environment must be 'production' or 'staging', got '%s'", c.Environment)
	}
	if c.Documents.Root == "" {
		return fmt.Errorf("documents.root is required")
	}

	switch c.Storage.Backend {
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when backend is 'mongodb'")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when backend is 'postgres'")
		}
	default:
		return fmt.Errorf("storage.backend must be 'mongodb' or 'postgres', got '%s'", c.Storage.Backend)
	}

	if c.Signing.CertFile == "" || c.Signing.KeyFile == "" {
		return fmt.Errorf("signing.certFile and signing.keyFile are required")
	}

	return nil
}
