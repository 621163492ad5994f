package main

import (
	"context"
	"log"
	"time"

	"github.com/gantryci/gantry/internal"
	"github.com/gantryci/gantry/internal/handler"
	"github.com/gantryci/gantry/internal/security"
	"github.com/gantryci/gantry/internal/service"
	"github.com/gantryci/gantry/internal/settings"
	"github.com/gantryci/gantry/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "modernc.org/sqlite"
)

func main() {
	internal.InitializeConfiguration()
	settings.ReadDotenv(internal.DotEnvPath)
	settings.Settings = settings.NewSettings()
	hashKey := security.NewEncryptionKey()
	rdb := store.InitDatabase(true)
	defer rdb.Close()
	rwdb := store.InitDatabase(false)
	defer rwdb.Close()
	store.RunMigrations(rwdb, internal.MigrationsDir)

	scheduler := service.NewScheduler()
	defer scheduler.Shutdown()

	credentialStore := store.NewCredentialSQLiteStore(rdb, rwdb)
	agentStore := store.NewAgentSQLiteStore(rdb, rwdb)
	pipelineStore := store.NewPipelineSQLiteStore(rdb, rwdb)
	runStore := store.NewRunSQLiteStore(rdb, rwdb)
	jobRunStore := store.NewJobRunSQLiteStore(rdb, rwdb)
	apiKeyStore := store.NewAPIKeySQLiteStore(rdb, rwdb)
	aesEncrypter := security.NewAESEncrypter(hashKey)

	_, _ = agentStore.CreateControllerAgent(context.Background())

	credentialSvc := service.NewCredentialService(credentialStore, aesEncrypter)
	agentSvc := service.NewAgentService(agentStore, credentialSvc)
	apiKeySvc := service.NewAPIKeyService(apiKeyStore, service.NewUUIDGen())
	pipelineSvc := service.NewPipelineService(
		pipelineStore,
		runStore,
		jobRunStore,
		credentialStore,
		agentStore,
		scheduler,
		aesEncrypter,
		service.RunConfig{
			DefaultJobTimeout:  time.Duration(internal.Config.JobTimeoutMinutes) * time.Minute,
			CoverageURL:        internal.Config.CoverageServiceURL,
			CoverageToken:      settings.Settings.CoverageToken,
			CoverageFailClosed: internal.Config.CoverageFailClosed,
			ToolColor:          settings.Settings.ToolColor,
		},
	)
	if err := pipelineSvc.InitializeRunQueues(context.Background()); err != nil {
		log.Fatal(err)
	}
	if err := pipelineSvc.RestoreSchedules(context.Background()); err != nil {
		log.Fatal(err)
	}
	scheduler.Start()

	e := setupEcho()
	g := e.Group("/api", handler.APIKeyAuth(apiKeySvc))
	handler.SetupCredentialRoutes(g, credentialSvc)
	handler.SetupAgentRoutes(g, agentSvc)
	handler.SetupPipelineRoutes(e, g, pipelineSvc, apiKeySvc)
	handler.SetupAPIKeyRoutes(g, apiKeySvc)
	handler.SetupConfigRoutes(g)

	internal.GracefulShutdown(e, settings.Settings.Port)
	pipelineSvc.ShutdownAll()
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}
