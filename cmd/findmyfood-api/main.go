package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/annotations"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/auth"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/config"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/database"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/imagecache"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/logging"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/maps"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/scheduler"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/server"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/users"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "findmyfood-api",
		Short: "Find My Food map and image cache service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cache-directory", defaults.GetString("cache.directory"), "Root directory of the image and annotation caches")
	cmd.PersistentFlags().Int("image-memory-items", defaults.GetInt("images.memory_items"), "Maximum images held in memory")
	cmd.PersistentFlags().String("image-memory-limit", defaults.GetString("images.memory_limit"), "Maximum bytes held in memory, e.g. 100MiB")
	cmd.PersistentFlags().Duration("annotation-max-age", defaults.GetDuration("annotations.max_age"), "Age after which cached annotations are refreshed")
	cmd.PersistentFlags().String("feed-base-url", defaults.GetString("feed.base_url"), "Remote feed API base URL; empty serves posts from the database")
	cmd.PersistentFlags().String("refresh-schedule", defaults.GetString("refresh.schedule"), "Cron schedule of the stale map sweep")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "cache.directory", "cache-directory")
	bindFlag(cmd, "images.memory_items", "image-memory-items")
	bindFlag(cmd, "images.memory_limit", "image-memory-limit")
	bindFlag(cmd, "annotations.max_age", "annotation-max-age")
	bindFlag(cmd, "feed.base_url", "feed-base-url")
	bindFlag(cmd, "refresh.schedule", "refresh-schedule")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand mints a session token, for service-to-service feed access and local testing.
func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
		service     bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			profile := auth.Profile{UserID: userID, Email: email, DisplayName: displayName}
			if service {
				profile.Roles = []string{server.ServiceRole}
			}
			token, expiresAt, err := issuer.Issue(profile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id carried by the token")
	cmd.Flags().StringVar(&email, "email", "", "User email carried by the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&service, "service", false, "Grant the feed service role")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var (
		db        *gorm.DB
		feedStore *feed.Store
	)
	if appConfig.DatabasePath != "" {
		db, err = database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		feedStore, err = feed.NewStore(feed.StoreConfig{
			Database:   db,
			Clock:      time.Now,
			IDProvider: feed.NewUUIDProvider(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
	}

	source, err := newFeedSource(appConfig, feedStore, logger)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	images, err := imagecache.NewStore(imagecache.Config{
		Fs:           fs,
		Directory:    appConfig.ImagesDirectory(),
		MemoryItems:  appConfig.ImageMemoryItems,
		MemoryBytes:  appConfig.ImageMemoryBytes,
		FetchTimeout: appConfig.ImageFetchTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	metadata, err := annotations.NewStore(annotations.Config{
		Fs:        fs,
		Directory: appConfig.AnnotationsDirectory(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	mapConfig := maps.ServiceConfig{
		Source:      source,
		Images:      images,
		Annotations: metadata,
		MaxAge:      appConfig.AnnotationMaxAge,
		Logger:      logger,
	}
	if feedStore != nil {
		mapConfig.Publisher = feedStore
	}
	mapService, err := maps.NewService(mapConfig)
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
		Leeway:        appConfig.SessionLeeway,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		SessionValidator: validator,
		SessionCookie:    appConfig.SessionCookieName,
		Maps:             mapService,
		Images:           images,
		AllowedOrigins:   appConfig.CORSAllowedOrigins,
		Logger:           logger,
	}
	if db != nil {
		userService, err := users.NewService(users.ServiceConfig{
			Database: db,
			Profiles: feedStore,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.Users = userService
		deps.Feed = feedStore
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	jobs := scheduler.New(scheduler.Config{Logger: logger})
	if err := scheduler.RegisterMaintenance(jobs, appConfig.RefreshSchedule, mapService, images); err != nil {
		return err
	}
	jobs.Start()
	defer func() {
		<-jobs.Stop().Done()
	}()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("remote_feed", appConfig.UsesRemoteFeed()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		images.LogStats()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newFeedSource selects the remote REST feed when configured and the local database otherwise.
func newFeedSource(appConfig config.AppConfig, store *feed.Store, logger *zap.Logger) (feed.Source, error) {
	if appConfig.UsesRemoteFeed() {
		remote, err := feed.NewHTTPSource(feed.HTTPSourceConfig{
			BaseURL:  appConfig.FeedBaseURL,
			APIToken: appConfig.FeedAPIToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return remote, nil
	}
	if store == nil {
		return nil, errors.New("database.path is required when feed.base_url is empty")
	}
	return store, nil
}
