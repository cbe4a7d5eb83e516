// Package flags holds the flag definitions, logger setup and config
// loading shared by the lockboxd and steward binaries.
package flags

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/stewardvault/recovery-backend/common"
	"github.com/stewardvault/recovery-backend/httpserver"
	"github.com/stewardvault/recovery-backend/interfaces"
)

// SetupLogger configures the process logger from the common logging
// flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config from the common server
// flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// Config is the YAML configuration file consumed by both binaries. The
// relay list is read-only at runtime; changing it requires a restart.
type Config struct {
	Relays []interfaces.RelayEndpoint `yaml:"relays"`

	// Discovery optionally resolves additional relays from DNS SRV
	// records under _stewardrelay._tcp.<domain>.
	Discovery struct {
		Domain   string `yaml:"domain"`
		Resolver string `yaml:"resolver"`
	} `yaml:"discovery"`
}

// LoadConfig reads and parses the YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "stewardvault",
	Usage: "add 'service' tag to logs",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var ConfigFlag = &cli.StringFlag{
	Name:  "config",
	Value: "stewardvault.yaml",
	Usage: "path to the YAML config file with relay endpoints",
}
var KeystoreFlag = &cli.StringFlag{
	Name:  "keystore",
	Value: "identity.json",
	Usage: "path to the encrypted identity keystore",
}
var PassphraseFlag = &cli.StringFlag{
	Name:    "passphrase",
	Usage:   "keystore passphrase",
	EnvVars: []string{"STEWARDVAULT_PASSPHRASE"},
}
var StorageFlag = &cli.StringFlag{
	Name:  "storage",
	Value: "file://stewardvault-data",
	Usage: "storage URI: mem://, file://<dir>, s3://<bucket>/<prefix>, vault://<host:port>/<mount>/<path>",
}

var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
	ConfigFlag,
	KeystoreFlag,
	PassphraseFlag,
	StorageFlag,
}
