package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	varnishcontroller "github.com/midweste/varnish-controllers"
	"github.com/midweste/varnish-controllers/pkg/purge"
	journal "github.com/midweste/varnish-controllers/pkg/purge-journal"
	purgelog "github.com/midweste/varnish-controllers/pkg/purge-log"
	"github.com/midweste/varnish-controllers/pkg/settings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// CLI flags
	settingsFlag       string
	portFlag           int
	originFlag         string
	hostFlag           string
	logDirFlag         string
	journalFlag        string
	developerFlag      bool
	sharedQueueFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set at build time
	version string
)

const shutdownTimeout = 15 * time.Second

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	// a missing .env file is fine
	_ = godotenv.Load()

	flag.StringVar(&settingsFlag, "settings", getEnv("VARNISH_SETTINGS", "settings.json"), "Path to settings file")
	flag.IntVar(&portFlag, "port", getEnvInt("PORT", 8080), "Port to listen on")
	flag.StringVar(&originFlag, "origin", getEnv("VARNISH_ORIGIN", ""), "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", getEnv("VARNISH_ORIGIN_HOST", ""), "Host header to send to the origin")
	flag.StringVar(&logDirFlag, "log-dir", getEnv("VARNISH_LOG_DIR", defaultLogDir()), "Directory of the purge log")
	flag.StringVar(&journalFlag, "journal", getEnv("VARNISH_JOURNAL", "memory"), "Purge journal DB file name (use 'memory' for in-memory journal)")
	flag.BoolVar(&developerFlag, "developer", false, "Developer mode: log purges to file (overrides settings)")
	flag.BoolVar(&sharedQueueFlag, "shared-queue", false, "Collect purge tags of all requests in one queue")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", getEnv("VARNISH_LOG_FILE", ""), "Log file to use (in addition to stdout)")
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	if originFlag == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(originFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	purgeJournal, err := openJournal(journalFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open purge journal")
	}

	srv := &server{
		journal:    purgeJournal,
		origin:     originURL,
		originHost: hostFlag,
		logger:     log.Logger,
	}

	cfg, err := loadSettings()
	switch {
	case errors.Is(err, settings.ErrNotFound):
		log.Warn().Str("settings", settingsFlag).Msg("No settings file, cache headers and purging disabled")
	case err != nil:
		log.Fatal().Err(err).Str("settings", settingsFlag).Msg("Could not read settings")
	default:
		logWriter, err := purgelog.NewDirWriter(logDirFlag)
		if err != nil {
			log.Warn().Err(err).Str("dir", logDirFlag).Msg("Could not create log directory")
		}
		srv.controller = varnishcontroller.CreateController(varnishcontroller.Config{
			Settings: cfg,
			Dispatcher: purge.NewDispatcher(purge.Config{
				LogWriter: logWriter,
				Journal:   purgeJournal,
				Logger:    &log.Logger,
			}),
			Logger:           &log.Logger,
			SharedPurgeQueue: sharedQueueFlag,
		})
		log.Info().
			Bool("enabled", cfg.Enabled).
			Bool("developer", cfg.DeveloperMode).
			Str("server", cfg.Server).
			Int("lifetime", cfg.CacheLifetime).
			Msg("Varnish controller configured")
	}

	if err := run(srv); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// run serves until SIGINT or SIGTERM, reloading settings on SIGHUP.
func run(srv *server) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: srv.routes(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, srv.origin.String(), srv.originHost)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if srv.controller != nil {
			if waitErr := srv.controller.WaitContext(shutdownCtx); waitErr != nil {
				log.Warn().Err(waitErr).Msg("Gave up waiting for pending purges")
			}
		}
		if closer, ok := srv.journal.(io.Closer); ok {
			closer.Close()
		}
		return err
	})
	g.Go(func() error {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		defer signal.Stop(reload)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				if srv.controller == nil {
					log.Warn().Msg("Settings reload needs a settings file at startup")
					continue
				}
				cfg, err := loadSettings()
				if err != nil {
					log.Error().Err(err).Msg("Could not reload settings")
					continue
				}
				srv.controller.SetSettings(cfg)
				log.Info().Msg("Settings reloaded")
			}
		}
	})
	return g.Wait()
}

func loadSettings() (settings.Config, error) {
	cfg, err := settings.Load(settingsFlag)
	if err != nil {
		return cfg, err
	}
	if developerFlag {
		cfg.DeveloperMode = true
	}
	return cfg, nil
}

func openJournal(name string) (journal.Journal, error) {
	if name == "memory" {
		return journal.NewMemJournal(1000), nil
	}
	return journal.NewSQLiteJournal(name)
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "varnish-cache")
	}
	return filepath.Join(home, "logs", "varnish-cache")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	var n int
	if _, err := fmt.Sscanf(getEnv(key, ""), "%d", &n); err != nil {
		return defaultValue
	}
	return n
}
