package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	cmd_commons "github.com/chessdojo/enginepool/cmd/commons"
	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/service"
	log "github.com/sirupsen/logrus"
)

const (
	adminShutdownTimeout time.Duration = 5 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "enginepool [args..]",
	Short: "Run chess engine pool service",
	Long: `Run chess engine pool service that evaluates positions on pooled UCI engines with a persistent evaluation cache.
The service detaches into the background unless --foreground is given. Sub-commands talk to a running service.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          processCommand,
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000000",
		FullTimestamp:   true,
	})

	log.SetLevel(log.InfoLevel)

	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	cmd_commons.SetCommonFlags(rootCmd)
	addClientCommands(rootCmd)

	err := rootCmd.Execute()
	if err != nil {
		logger.Errorf("%+v", err)
		os.Exit(1)
	}
}

func processCommand(command *cobra.Command, args []string) error {
	childProcess, err := command.Flags().GetBool(cmd_commons.ChildProcessArgument)
	if err != nil {
		return xerrors.Errorf("failed to read %q flag: %w", cmd_commons.ChildProcessArgument, err)
	}

	if childProcess {
		return serveAsChild()
	}

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil || !cont {
		return err
	}

	if config.Foreground {
		return serve(config, nil)
	}

	return detach(config)
}

// detach hands the config to a background copy of this executable and returns once the service listens
func detach(config *commons.Config) error {
	childStdin, childStdout, err := cmd_commons.RunChildProcess(os.Args[0])
	if err != nil {
		return xerrors.Errorf("failed to start background engine pool service: %w", err)
	}

	err = cmd_commons.ParentProcessSendConfigViaSTDIN(config, childStdin, childStdout)
	if err != nil {
		return xerrors.Errorf("background engine pool service did not come up: %w", err)
	}
	return nil
}

// serveAsChild runs the service with the config sent by the foreground process, reporting the start result on stdout
func serveAsChild() error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "serveAsChild",
	})

	config, logWriter, err := cmd_commons.ChildProcessReadConfigViaSTDIN()
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		cmd_commons.ReportChildProcessError()
		return xerrors.Errorf("failed to read config from foreground process: %w", err)
	}

	config.ChildProcess = true

	logger.Infof("Serving engine pool in the background, pid %d", os.Getpid())
	return serve(config, logWriter)
}

// serve runs the engine pool service until SIGINT or SIGTERM.
// logWriter is nil in the foreground, a background service stops writing to stderr once it reports the start.
func serve(config *commons.Config, logWriter io.Writer) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "serve",
	})

	reportFailure := func(err error) error {
		if config.ChildProcess {
			cmd_commons.ReportChildProcessError()
		}
		return err
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	versionInfo := commons.GetVersion()
	logger.Infof("Engine pool service version - %s, commit - %s", versionInfo.ServiceVersion, versionInfo.GitCommit)

	err := config.MakeWorkDirs()
	if err != nil {
		return reportFailure(xerrors.Errorf("failed to prepare work dirs: %w", err))
	}

	err = config.Validate()
	if err != nil {
		return reportFailure(err)
	}

	stopProfiler := startProfiler(config)
	defer stopProfiler()

	svc, err := service.NewPoolService(config, service.ProcessWorkerFactoryProvider, nil)
	if err != nil {
		return reportFailure(xerrors.Errorf("failed to create engine pool service: %w", err))
	}
	defer svc.Release()

	adminServer := startAdminServer(config, svc.GetPoolServer())

	err = svc.Start()
	if err != nil {
		stopAdminServer(adminServer)
		return reportFailure(xerrors.Errorf("failed to start engine pool service: %w", err))
	}

	if config.ChildProcess {
		cmd_commons.ReportChildProcessStartSuccessfully()
		if logWriter == nil {
			cmd_commons.SetNilLogWriter()
		} else {
			log.SetOutput(logWriter)
		}
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()
	logger.Info("Stopping engine pool service")

	stopAdminServer(adminServer)
	svc.Stop()
	return nil
}

// startProfiler serves pprof and records a memory profile when profiling is on
func startProfiler(config *commons.Config) func() {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "startProfiler",
	})

	if !config.Profile || config.ProfileServicePort <= 0 {
		return func() {}
	}

	profileServiceAddr := fmt.Sprintf(":%d", config.ProfileServicePort)
	go func() {
		logger.Infof("Starting profile service at %s", profileServiceAddr)
		err := http.ListenAndServe(profileServiceAddr, nil)
		if err != nil {
			logger.Errorf("Profile service stopped: %+v", err)
		}
	}()

	prof := profile.Start(profile.MemProfile, profile.NoShutdownHook)
	return prof.Stop
}

// startAdminServer serves metrics and cache administration, nil when the port is not set
func startAdminServer(config *commons.Config, poolServer *service.PoolServer) *http.Server {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "startAdminServer",
	})

	if config.PrometheusExporterPort <= 0 {
		return nil
	}

	adminServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.PrometheusExporterPort),
		Handler: service.NewAdminRouter(poolServer),
	}

	go func() {
		logger.Infof("Starting admin service at %s", adminServer.Addr)
		err := adminServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("Admin service stopped: %+v", err)
		}
	}()

	return adminServer
}

func stopAdminServer(adminServer *http.Server) {
	if adminServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()

	adminServer.Shutdown(ctx)
}
