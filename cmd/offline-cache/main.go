package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/network"
	"github.com/always-cache/offline-cache/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	manifestFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&manifestFlag, "manifest", "", "Worker manifest (cache name, scope, allow-list)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	settings, err := getSettings()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid environment")
	}
	overrideSettings(&settings)

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if settings.LogFile != "" {
		if logFileOutput, err := os.OpenFile(settings.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if settings.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originUrl, err := url.Parse(settings.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}
	logger := log.Logger.With().Str("origin", originUrl.String()).Logger()

	manifest, err := getManifest(manifestFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read manifest")
	}

	// set up sqlite storage
	dbFilename := settings.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename, &logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}

	ocache, err := offlinecache.CreateCache(offlinecache.Config{
		Logger: &logger,
		Worker: worker.Config{
			CacheName: manifest.CacheName,
			AllowList: manifest.AllowList,
			Scope:     manifest.Scope,
			Storage:   storage,
			Network:   network.NewOrigin(*originUrl, settings.Host, nil),
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// an install failure leaves requests going straight to the origin
	if err := ocache.Register(ctx); err != nil {
		log.Warn().Err(err).Msg("Serving without worker")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Port),
		Handler: ocache.Router(),
	}
	done := shutdownOnDone(ctx, server, 10*time.Second)

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", settings.Port, originUrl.String(), settings.Host)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	// ListenAndServe returns as soon as Shutdown starts;
	// handlers may still be running until done is closed
	<-done
	if err := ocache.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache storage")
	}
}

// shutdownOnDone shuts the server down when ctx is done. The returned
// channel is closed once Shutdown has returned.
func shutdownOnDone(ctx context.Context, server *http.Server, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down gracefully")
		}
	}()
	return done
}

// overrideSettings applies the flags that were set on the command line.
func overrideSettings(s *Settings) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			s.Port = portFlag
		case "origin":
			s.Origin = originFlag
		case "host":
			s.Host = hostFlag
		case "db":
			s.DB = dbFilenameFlag
		case "log-file":
			s.LogFile = logFilenameFlag
		}
	})
}
