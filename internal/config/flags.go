package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

const FlagConfig = "config"

// RegisterFlags declares every setting on fs. Defaults shown in help are the
// built-in ones; Load only applies flags the user actually set.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP(FlagConfig, "c", "", "path to a YAML config file")
	fs.IntP("port", "p", d.Port, "port to listen on")
	fs.StringP("host", "h", d.Host, "address to bind")
	fs.IntP("max-retries", "r", d.MaxRetries, "retries for an empty 200 response")
	fs.StringP("target-ip", "i", "", "upstream ip or host to connect to (defaults to --target-domain)")
	fs.StringP("target-domain", "d", "", "upstream domain for SNI and Host (defaults to --target-ip)")
	fs.Int("target-port", d.TargetPort, "upstream https port")
	fs.StringP("log-level", "l", d.LogLevel, "log level: minimal, normal or verbose")
	fs.String("log-format", d.LogFormat, "log format: console or json")
	fs.Duration("retry-backoff", d.RetryBackoff, "pause between retries")
	fs.Duration("attempt-timeout", d.AttemptTimeout, "timeout for a single upstream attempt")
	fs.Bool("insecure-skip-verify", false, "skip upstream certificate verification")
	fs.Int64("max-body-bytes", d.MaxBodyBytes, "largest request body that is buffered for replay")
	fs.String("admin-addr", "", "admin http listen address (empty disables)")
	fs.String("grpc-addr", "", "grpc listen address (empty disables)")
	fs.String("admin-token", "", "bearer token for mutating admin endpoints")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "how long shutdown waits for inflight requests")
	fs.String("broker-url", "", "stats broker url (mqtt://, redis://, memory://)")
	fs.String("broker-username", "", "stats broker username")
	fs.String("broker-password", "", "stats broker password")
	fs.String("broker-client-id", "", "stats broker client id (random when empty)")
	fs.String("topic-prefix", d.Broker.TopicPrefix, "stats topic prefix")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var firstErr error
	fs.Visit(func(flag *pflag.Flag) {
		if firstErr != nil {
			return
		}
		if err := applyFlag(cfg, fs, flag.Name); err != nil {
			firstErr = fmt.Errorf("%w: flag --%s: %v", ErrInvalid, flag.Name, err)
		}
	})
	return firstErr
}

func applyFlag(cfg *Config, fs *pflag.FlagSet, name string) error {
	var err error
	switch name {
	case "port":
		cfg.Port, err = fs.GetInt(name)
	case "host":
		cfg.Host, err = fs.GetString(name)
	case "max-retries":
		cfg.MaxRetries, err = fs.GetInt(name)
	case "target-ip":
		cfg.TargetIP, err = fs.GetString(name)
	case "target-domain":
		cfg.TargetDomain, err = fs.GetString(name)
	case "target-port":
		cfg.TargetPort, err = fs.GetInt(name)
	case "log-level":
		cfg.LogLevel, err = fs.GetString(name)
	case "log-format":
		cfg.LogFormat, err = fs.GetString(name)
	case "retry-backoff":
		cfg.RetryBackoff, err = fs.GetDuration(name)
	case "attempt-timeout":
		cfg.AttemptTimeout, err = fs.GetDuration(name)
	case "insecure-skip-verify":
		cfg.InsecureSkipVerify, err = fs.GetBool(name)
	case "max-body-bytes":
		cfg.MaxBodyBytes, err = fs.GetInt64(name)
	case "admin-addr":
		cfg.AdminAddr, err = fs.GetString(name)
	case "grpc-addr":
		cfg.GRPCAddr, err = fs.GetString(name)
	case "admin-token":
		cfg.AdminToken, err = fs.GetString(name)
	case "shutdown-timeout":
		cfg.ShutdownTimeout, err = fs.GetDuration(name)
	case "broker-url":
		cfg.Broker.URL, err = fs.GetString(name)
	case "broker-username":
		cfg.Broker.Username, err = fs.GetString(name)
	case "broker-password":
		cfg.Broker.Password, err = fs.GetString(name)
	case "broker-client-id":
		cfg.Broker.ClientID, err = fs.GetString(name)
	case "topic-prefix":
		cfg.Broker.TopicPrefix, err = fs.GetString(name)
	}
	return err
}
