package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"
)

const defaultMaxUploadBytes = 20 << 30 // 20 GiB

// Config holds configuration
type Config struct {
	Port           string
	RootDir        string
	StaticDir      string
	MaxUploadBytes int64
	SessionMaxAge  time.Duration
	MaxConns       int
	LogLevel       string
}

// YAMLConf mirrors Config for the optional config file. Flags and
// environment variables take precedence over file values.
type YAMLConf struct {
	Port          string `yaml:"port"`
	Root          string `yaml:"root"`
	StaticDir     string `yaml:"static-dir"`
	MaxUpload     int64  `yaml:"max-upload-bytes"`
	SessionMaxAge string `yaml:"session-max-age"`
	MaxConns      int    `yaml:"max-conns"`
	LogLevel      string `yaml:"loglevel"`
}

var (
	config    Config
	startTime = time.Now()
)

func InitConfig() error {
	confPath := flag.String("config", lookupEnvOr("FILEGATE_CONFIG", ""), "Path to YAML config file")
	flag.StringVar(&config.Port, "port", lookupEnvOr("PORT", "8080"), "HTTP server port")
	flag.StringVar(&config.RootDir, "root", lookupEnvOr("FILEGATE_ROOT", "./data"), "Directory all served paths are confined to")
	flag.StringVar(&config.StaticDir, "static-dir", lookupEnvOr("STATIC_DIR", ""), "Directory with the static frontend (optional)")
	flag.Int64Var(&config.MaxUploadBytes, "max-upload-bytes", lookupEnvInt64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes), "Maximum declared upload size in bytes")
	flag.DurationVar(&config.SessionMaxAge, "session-max-age", lookupEnvDuration("SESSION_MAX_AGE", 24*time.Hour), "Age after which abandoned upload sessions are removed (0 disables the sweep)")
	flag.IntVar(&config.MaxConns, "max-conns", int(lookupEnvInt64("MAX_CONNS", 0)), "Maximum concurrent connections (0 for unlimited)")
	flag.StringVar(&config.LogLevel, "loglevel", lookupEnvOr("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	flag.Parse()

	if *confPath != "" {
		if err := applyConfigFile(*confPath); err != nil {
			return err
		}
	}
	return nil
}

// applyConfigFile fills in values from a YAML file for every option that
// was not set explicitly on the command line.
func applyConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var yc YAMLConf
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return err
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if yc.Port != "" && !set["port"] {
		config.Port = yc.Port
	}
	if yc.Root != "" && !set["root"] {
		config.RootDir = yc.Root
	}
	if yc.StaticDir != "" && !set["static-dir"] {
		config.StaticDir = yc.StaticDir
	}
	if yc.MaxUpload > 0 && !set["max-upload-bytes"] {
		config.MaxUploadBytes = yc.MaxUpload
	}
	if yc.SessionMaxAge != "" && !set["session-max-age"] {
		d, err := time.ParseDuration(yc.SessionMaxAge)
		if err != nil {
			return err
		}
		config.SessionMaxAge = d
	}
	if yc.MaxConns > 0 && !set["max-conns"] {
		config.MaxConns = yc.MaxConns
	}
	if yc.LogLevel != "" && !set["loglevel"] {
		config.LogLevel = yc.LogLevel
	}
	return nil
}

func timeSinceStart() time.Duration {
	return time.Since(startTime)
}

func lookupEnvOr(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func lookupEnvInt64(key string, defaultVal int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			glog.Warnw("invalid env value", "key", key, "err", err)
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func lookupEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			glog.Warnw("invalid env value", "key", key, "err", err)
			return defaultVal
		}
		return d
	}
	return defaultVal
}
