package commons

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chessdojo/enginepool/commons"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

const (
	ChildProcessArgument = "child_process"

	clientTimeoutDefault time.Duration = 30 * time.Second
)

func SetCommonFlags(command *cobra.Command) {
	command.Flags().BoolP("version", "v", false, "Print version")
	command.Flags().BoolP("help", "h", false, "Print help")
	command.Flags().BoolP("debug", "d", false, "Enable debug mode")
	command.Flags().BoolP("profile", "", false, "Enable profiling")
	command.Flags().BoolP("foreground", "f", false, "Run in foreground")

	command.Flags().StringP("config", "", "", "Set config file (yaml)")
	command.Flags().StringP("env", "", "", "Set environment file (.env)")
	command.Flags().StringP("endpoint", "", "", "Set service endpoint (host:port, tcp://host:port or unix:///file.sock)")
	command.Flags().StringArrayP("engine", "e", []string{}, "Add an engine (name=path or path), may be repeated")
	command.Flags().IntP("workers", "w", 0, "Set workers per engine, 0 for the recommended count")
	command.Flags().StringP("eval_cache", "", "", "Set evaluation cache file path, '-' keeps it in memory")
	command.Flags().Int64P("eval_cache_size_max", "", 0, "Set evaluation cache max size in bytes")
	command.Flags().BoolP("cloud", "", false, "Enable cloud lookup")
	command.Flags().StringP("log", "", "", "Set log file path")

	command.Flags().IntP("profile_port", "", commons.ProfileServicePortDefault, "Set profile service port")
	command.Flags().IntP("prometheus_exporter_port", "", commons.PrometheusExporterPortDefault, "Set prometheus exporter and admin port")

	command.Flags().BoolP(ChildProcessArgument, "", false, "")
}

func getBoolFlag(command *cobra.Command, name string) bool {
	flag := command.Flags().Lookup(name)
	if flag == nil {
		return false
	}

	value, err := strconv.ParseBool(flag.Value.String())
	if err != nil {
		return false
	}
	return value
}

func getStringFlag(command *cobra.Command, name string) string {
	flag := command.Flags().Lookup(name)
	if flag == nil {
		return ""
	}
	return flag.Value.String()
}

func loadConfig(command *cobra.Command) (*commons.Config, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "loadConfig",
	})

	config := commons.NewDefaultConfig()

	configPath := getStringFlag(command, "config")
	if len(configPath) > 0 {
		yamlBytes, err := os.ReadFile(configPath)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config file %q: %w", configPath, err)
		}

		config, err = commons.NewConfigFromYAML(yamlBytes)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config file %q: %w", configPath, err)
		}
	}

	envPath := getStringFlag(command, "env")
	if len(envPath) > 0 {
		err := godotenv.Load(envPath)
		if err != nil {
			return nil, xerrors.Errorf("failed to load environment file %q: %w", envPath, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		err = godotenv.Load()
		if err != nil {
			logger.Warnf("Failed to load .env: %v", err)
		}
	}

	return commons.NewConfigFromENV(config)
}

// ParseEngineArgument parses "name=path" or "path", the name defaults to the executable name
func ParseEngineArgument(argument string) (commons.EngineConfig, error) {
	argument = strings.TrimSpace(argument)
	if len(argument) == 0 {
		return commons.EngineConfig{}, commons.NewConfigurationError("empty engine argument")
	}

	name, path, found := strings.Cut(argument, "=")
	if !found {
		path = argument
		name = strings.TrimSuffix(path[strings.LastIndexAny(path, `/\`)+1:], ".exe")
	}

	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)
	if len(name) == 0 || len(path) == 0 {
		return commons.EngineConfig{}, commons.NewConfigurationErrorf("invalid engine argument %q", argument)
	}

	return commons.EngineConfig{Name: name, Path: path}, nil
}

func ProcessCommonFlags(command *cobra.Command) (*commons.Config, io.WriteCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ProcessCommonFlags",
	})

	debug := getBoolFlag(command, "debug")
	foreground := getBoolFlag(command, "foreground")
	profile := getBoolFlag(command, "profile")
	childProcess := getBoolFlag(command, ChildProcessArgument)

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if getBoolFlag(command, "help") {
		PrintHelp(command)
		return nil, nil, false, nil // stop here
	}

	if getBoolFlag(command, "version") {
		PrintVersion(command)
		return nil, nil, false, nil // stop here
	}

	config, err := loadConfig(command)
	if err != nil {
		logger.Errorf("%+v", err)
		return nil, nil, false, err // stop here
	}

	// prioritize command-line flag over config files
	if debug {
		config.Debug = true
	}

	if foreground {
		config.Foreground = true
	}

	if profile {
		config.Profile = true
	}

	if getBoolFlag(command, "cloud") {
		config.Cloud.Enabled = true
	}

	config.ChildProcess = childProcess

	if endpoint := getStringFlag(command, "endpoint"); len(endpoint) > 0 {
		config.ServiceEndpoint = endpoint
	}

	if logPath := getStringFlag(command, "log"); len(logPath) > 0 {
		config.LogPath = logPath
	}

	engineArguments, err := command.Flags().GetStringArray("engine")
	if err == nil {
		for _, engineArgument := range engineArguments {
			engineConfig, err := ParseEngineArgument(engineArgument)
			if err != nil {
				return nil, nil, false, err // stop here
			}

			if config.GetEngine(engineConfig.Name) == nil {
				config.Engines = append(config.Engines, engineConfig)
			}
		}
	}

	workers, err := command.Flags().GetInt("workers")
	if err == nil && workers > 0 {
		for idx := range config.Engines {
			config.Engines[idx].Workers = workers
		}
	}

	if evalCachePath := getStringFlag(command, "eval_cache"); len(evalCachePath) > 0 {
		if evalCachePath == "-" {
			config.EvalCache.Path = ""
		} else {
			config.EvalCache.Path = evalCachePath
		}
	}

	evalCacheSizeMax, err := command.Flags().GetInt64("eval_cache_size_max")
	if err == nil && evalCacheSizeMax > 0 {
		config.EvalCache.MaxBytes = evalCacheSizeMax
	}

	profilePort, err := command.Flags().GetInt("profile_port")
	if err == nil && profilePort > 0 {
		config.ProfileServicePort = profilePort
	}

	prometheusExporterPort, err := command.Flags().GetInt("prometheus_exporter_port")
	if err == nil && prometheusExporterPort > 0 {
		config.PrometheusExporterPort = prometheusExporterPort
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	err = config.Validate()
	if err != nil {
		logger.Errorf("%+v", err)
		return nil, nil, false, err // stop here
	}

	var logWriter io.WriteCloser
	logFilePath := config.GetLogFilePath()
	if len(logFilePath) == 0 {
		log.SetOutput(os.Stderr)
	} else {
		parentLogWriter, parentLogFilePath := getLogWriterForParentProcess(logFilePath)
		logWriter = parentLogWriter

		// use multi output - to output to file and stdout
		mw := io.MultiWriter(os.Stderr, parentLogWriter)
		log.SetOutput(mw)

		logger.Infof("Logging to %s", parentLogFilePath)
	}

	return config, logWriter, true, nil // continue
}

// SetClientFlags attaches flags of client sub-commands
func SetClientFlags(command *cobra.Command) {
	command.Flags().BoolP("debug", "d", false, "Enable debug mode")
	command.Flags().StringP("endpoint", "", commons.ServiceEndpointDefault, "Set service endpoint (host:port, tcp://host:port or unix:///file.sock)")
	command.Flags().DurationP("timeout", "t", clientTimeoutDefault, "Set operation timeout")
}

// ProcessClientFlags returns the service endpoint and operation timeout
func ProcessClientFlags(command *cobra.Command) (string, time.Duration, error) {
	if getBoolFlag(command, "debug") {
		log.SetLevel(log.DebugLevel)
	}

	endpoint := getStringFlag(command, "endpoint")
	if envEndpoint := os.Getenv(commons.EnvPrefix + "_SERVICE_ENDPOINT"); len(envEndpoint) > 0 && !command.Flags().Changed("endpoint") {
		endpoint = envEndpoint
	}

	_, _, err := commons.ParsePoolServiceEndpoint(endpoint)
	if err != nil {
		return "", 0, err
	}

	timeout, err := command.Flags().GetDuration("timeout")
	if err != nil {
		return "", 0, xerrors.Errorf("failed to read timeout: %w", err)
	}

	return endpoint, timeout, nil
}

func PrintVersion(command *cobra.Command) error {
	info, err := commons.GetVersionJSON()
	if err != nil {
		return err
	}

	fmt.Println(info)
	return nil
}

func PrintHelp(command *cobra.Command) error {
	return command.Usage()
}

func getLogWriterForParentProcess(logPath string) (io.WriteCloser, string) {
	logFilePath := fmt.Sprintf("%s.parent", logPath)
	return &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    50, // 50MB
		MaxBackups: 5,
		MaxAge:     30, // 30 days
		Compress:   false,
	}, logFilePath
}

func getLogWriterForChildProcess(logPath string) (io.WriteCloser, string) {
	logFilePath := fmt.Sprintf("%s.child", logPath)
	return &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    50, // 50MB
		MaxBackups: 5,
		MaxAge:     30, // 30 days
		Compress:   false,
	}, logFilePath
}
