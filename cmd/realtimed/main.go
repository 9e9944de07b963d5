package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/harborview/realtime/internal/api"
	"github.com/harborview/realtime/internal/auth"
	"github.com/harborview/realtime/internal/config"
	"github.com/harborview/realtime/internal/hub"
	"github.com/harborview/realtime/internal/store"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	config.InstallDefaults()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Real-time topic synchronization server",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the synchronization server",
				Description: "Serves the live update channel, the action endpoint, and topic snapshots",
				Action:      startServer,
			},
			{
				Name:        "mint-token",
				Usage:       "Mint a subscriber token",
				Description: "Signs a bearer token for the given subscriber identity",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "subscriber",
						Usage:    "Subscriber identity to embed in the token",
						Aliases:  []string{"s"},
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: mintToken,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (config.Config, error) {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return config.Config{}, err
	}
	setupLogging()
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return config.Config{}, err
	}
	tmp, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config")
		return config.Config{}, err
	}
	log.Debugf("Config\n%s", tmp)
	return cfg, nil
}

// ============================================================================
// Server subcommand

func startServer(c *cli.Context) error {
	cfg, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	tokens, err := auth.NewManager(cfg.MasterSecret)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to initialize token manager")
		return err
	}

	manager := hub.NewManager(tokens, hub.Config{
		HeartbeatWindow: time.Second * time.Duration(cfg.Hub.HeartbeatWindowSec),
		SendQueueSize:   cfg.Hub.SendQueueSize,
		HistorySize:     cfg.Hub.HistorySize,
	})
	defer manager.Close()

	entities := store.New()
	router := api.NewRouter(api.Deps{
		Verifier:       tokens,
		Hub:            manager,
		Mutate:         entities.Mutate,
		Snapshots:      entities.Snapshot,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.ListenOn, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Second * time.Duration(cfg.HTTP.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(cfg.HTTP.WriteTimeout),
	}

	runCtx, rtCancel := context.WithCancel(c.Context)
	defer rtCancel()

	go func() {
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		select {
		case <-cc:
			rtCancel()
		case <-runCtx.Done():
		}
	}()

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to shut down HTTP server")
		}
	}()

	log.WithFields(logTags).Infof("Listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).WithFields(logTags).Error("HTTP server failure")
		return err
	}
	return nil
}

// ============================================================================
// Token subcommand

func mintToken(c *cli.Context) error {
	cfg, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	tokens, err := auth.NewManager(cfg.MasterSecret)
	if err != nil {
		return err
	}
	token, err := tokens.Mint(c.String("subscriber"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
