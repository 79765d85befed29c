package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/access"
	"github.com/MarcoPoloResearchLab/docvault/internal/auth"
	"github.com/MarcoPoloResearchLab/docvault/internal/blobs"
	"github.com/MarcoPoloResearchLab/docvault/internal/config"
	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"github.com/MarcoPoloResearchLab/docvault/internal/database"
	"github.com/MarcoPoloResearchLab/docvault/internal/documents"
	"github.com/MarcoPoloResearchLab/docvault/internal/editing"
	"github.com/MarcoPoloResearchLab/docvault/internal/feedkeys"
	"github.com/MarcoPoloResearchLab/docvault/internal/feeds"
	"github.com/MarcoPoloResearchLab/docvault/internal/gate"
	"github.com/MarcoPoloResearchLab/docvault/internal/locks"
	"github.com/MarcoPoloResearchLab/docvault/internal/logging"
	"github.com/MarcoPoloResearchLab/docvault/internal/notify"
	"github.com/MarcoPoloResearchLab/docvault/internal/permalinks"
	"github.com/MarcoPoloResearchLab/docvault/internal/server"
	"github.com/MarcoPoloResearchLab/docvault/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired services shared by the server and the operator commands.
type application struct {
	config  config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	users   *users.Service
	keys    *feedkeys.Authenticator
	handler http.Handler
	closers []func() error
}

func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func buildApplication(ctx context.Context, appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, sqlDB.Close)

	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire(ctx context.Context) error {
	cfg := a.config
	clock := time.Now

	policy, err := access.ParseReadPolicy(cfg.ReadPolicy)
	if err != nil {
		return err
	}
	store, err := content.NewStore(a.db)
	if err != nil {
		return err
	}
	documentService, err := documents.NewService(documents.ServiceConfig{
		Store:      store,
		IDProvider: documents.NewUUIDProvider(),
		Clock:      clock,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database: a.db,
		Clock:    clock,
		Roles:    cfg.Roles,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	resolver, err := access.NewResolver(access.ResolverConfig{Documents: documentService, Policy: policy, Logger: a.logger})
	if err != nil {
		return err
	}

	lockStore, err := a.lockStore(store)
	if err != nil {
		return err
	}
	blobStore, err := a.blobStore(ctx, clock)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher()
	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Store:      lockStore,
		Authorizer: resolver,
		Notifier:   dispatcher,
		Clock:      clock,
		Window:     cfg.LockWindow,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	editingService, err := editing.NewService(editing.Config{
		Documents: documentService,
		Access:    resolver,
		Locks:     lockManager,
		Blobs:     blobStore,
		Notifier:  dispatcher,
		Clock:     clock,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	links, err := permalinks.NewResolver(cfg.PermalinkBaseURL, documentService)
	if err != nil {
		return err
	}
	keys, err := feedkeys.NewAuthenticator(feedkeys.Config{Meta: userService, Logger: a.logger})
	if err != nil {
		return err
	}
	feedService, err := feeds.NewService(feeds.Config{
		Chain:       documentService,
		Access:      resolver,
		Links:       links,
		Authors:     userService,
		TitlePrefix: cfg.FeedTitlePrefix,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	fileGate, err := gate.New(gate.Config{
		Links:      links,
		Chain:      documentService,
		Access:     resolver,
		FeedKeys:   keys,
		Principals: userService,
		Blobs:      blobStore,
		Feeds:      feedService,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SessionSigningSecret),
		Issuer:        cfg.SessionIssuer,
		CookieName:    cfg.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       validator,
		Users:          userService,
		Documents:      documentService,
		Access:         resolver,
		Editing:        editingService,
		Locks:          lockManager,
		FeedKeys:       keys,
		Feeds:          feedService,
		Links:          links,
		Gate:           fileGate,
		Events:         dispatcher,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	a.users = userService
	a.keys = keys
	a.handler = handler
	return nil
}

func (a *application) lockStore(store *content.Store) (locks.Store, error) {
	switch a.config.LocksBackend {
	case config.BackendRedis:
		redisStore, err := locks.NewRedisStore(a.config.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, redisStore.Close)
		a.logger.Info("using redis lock backend")
		return redisStore, nil
	case config.BackendDatabase:
		return locks.NewDatabaseStore(store)
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", a.config.LocksBackend)
	}
}

func (a *application) blobStore(ctx context.Context, clock func() time.Time) (blobs.Store, error) {
	switch a.config.BlobsBackend {
	case config.BackendMinio:
		a.logger.Info("using minio blob backend", zap.String("bucket", a.config.MinioBucket))
		return blobs.NewMinioStore(ctx, blobs.MinioConfig{
			Endpoint:  a.config.MinioEndpoint,
			AccessKey: a.config.MinioAccessKey,
			SecretKey: a.config.MinioSecretKey,
			Bucket:    a.config.MinioBucket,
			UseSSL:    a.config.MinioUseSSL,
			MaxBytes:  a.config.BlobMaxBytes,
		})
	case config.BackendDatabase:
		return blobs.NewDatabaseStore(a.db, clock, a.config.BlobMaxBytes)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", a.config.BlobsBackend)
	}
}
