package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"kinostream/api"
	"kinostream/config"
	"kinostream/handlers"
	"kinostream/internal/staticcatalog"
	"kinostream/services/resolve"
	"kinostream/services/streaming"
	"kinostream/services/token"
	"kinostream/services/transcode"
	"kinostream/services/upstream"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	// Determine config path (env or default)
	configPath := os.Getenv("KINOSTREAM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	secret, err := hex.DecodeString(settings.Token.Secret)
	if err != nil {
		log.Fatalf("token secret is not valid hex: %v", err)
	}

	upstreamClient, err := upstream.NewClient(settings.Upstream)
	if err != nil {
		log.Fatalf("failed to initialise upstream client: %v", err)
	}

	catalog, err := staticcatalog.Open(
		settings.StaticCatalog.DatabasePath,
		settings.StaticCatalog.FixedLocalPath,
		settings.StaticCatalog.FixedPublicURL,
	)
	if err != nil {
		log.Fatalf("failed to open static catalog: %v", err)
	}
	defer catalog.Close()

	resolver, err := resolve.NewService(
		upstreamClient,
		catalog,
		settings.Obfuscation,
		settings.Cache,
		settings.Playback.PreferredTranslation,
		time.Now,
	)
	if err != nil {
		log.Fatalf("failed to initialise resolver: %v", err)
	}

	tokens, err := token.NewService(secret, time.Duration(settings.Token.TTLSec)*time.Second, settings.Token.MaxUses, time.Now)
	if err != nil {
		log.Fatalf("failed to initialise token service: %v", err)
	}

	fs := afero.NewOsFs()
	runner := transcode.ExecRunner{
		FFmpegPath:  settings.Transcode.FFmpegPath,
		FFprobePath: settings.Transcode.FFprobePath,
	}
	transcoder, err := transcode.NewService(settings.Transcode, fs, runner)
	if err != nil {
		log.Fatalf("failed to initialise transcode service: %v", err)
	}
	if err := transcoder.PurgePartials(); err != nil {
		log.Printf("warning: purging stale transcode temp files: %v", err)
	}

	streams := streaming.NewService(fs)

	r := mux.NewRouter()
	api.Register(
		r,
		handlers.NewPlaybackHandler(resolver, tokens),
		handlers.NewStreamHandler(tokens, streams),
		handlers.NewRemuxHandler(resolver, transcoder, tokens),
	)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	log.Printf("kinostream listening on %s", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}
