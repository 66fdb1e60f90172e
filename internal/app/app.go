// Package app assembles webpeasy from a Config: option and catalog
// backends, the encoder detector, the image editor, the regenerator, the
// output rewriter, the admin API and the plugin that ties them together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/admin"
	"github.com/fpang/webpeasy/internal/awsboot"
	"github.com/fpang/webpeasy/internal/capability"
	"github.com/fpang/webpeasy/internal/catalog"
	"github.com/fpang/webpeasy/internal/config"
	"github.com/fpang/webpeasy/internal/events"
	"github.com/fpang/webpeasy/internal/hooks"
	"github.com/fpang/webpeasy/internal/logging"
	"github.com/fpang/webpeasy/internal/media"
	"github.com/fpang/webpeasy/internal/options"
	"github.com/fpang/webpeasy/internal/plugin"
	"github.com/fpang/webpeasy/internal/regenerate"
	"github.com/fpang/webpeasy/internal/rewrite"
	"github.com/fpang/webpeasy/internal/settings"
)

// App is a fully wired process.
type App struct {
	Config        *config.Config
	Options       options.Store
	Settings      *settings.Store
	Detector      *capability.Detector
	Bus           *hooks.Bus
	Catalog       media.Catalog
	CatalogWriter media.CatalogWriter
	Editor        *media.Editor
	Regenerator   *regenerate.Regenerator
	Rewriter      *rewrite.Rewriter
	Tokens        *admin.TokenIssuer
	Admin         http.Handler
	Events        events.Publisher
	Plugin        *plugin.Plugin

	aws     *awsboot.Clients
	awsOnce sync.Once
	awsErr  error
	closers []func()
}

// loadPlugin is replaced in tests, where the process-wide instance would
// leak between cases.
var loadPlugin = plugin.Load

// Build wires every component. Close releases connections on any path.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	startup := logging.NewStartupLogger("webpeasy")
	a := &App{Config: cfg, Bus: hooks.NewBus()}

	if err := a.buildOptions(ctx, startup); err != nil {
		a.Close()
		return nil, err
	}
	a.Settings = settings.New(a.Options)

	if err := a.buildCatalog(ctx, startup); err != nil {
		a.Close()
		return nil, err
	}

	detector, err := Detector(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Detector = detector

	var encoder media.Encoder
	if b := a.Detector.Encoder(); b != nil {
		encoder = b
	}
	a.Editor = media.NewEditor(cfg.Uploads.BaseDir, a.Bus, encoder)
	a.Regenerator = regenerate.New(a.Catalog, a.Editor, cfg.Uploads.BaseDir)
	a.Rewriter = rewrite.New(rewrite.Options{
		BaseURL:     cfg.Uploads.BaseURL,
		BaseDir:     cfg.Uploads.BaseDir,
		AdminPrefix: cfg.Site.AdminPrefix,
		CronPath:    cfg.Site.CronPath,
	})

	if err := a.buildEvents(ctx, startup); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildAdmin(ctx, startup); err != nil {
		a.Close()
		return nil, err
	}

	a.Plugin = loadPlugin(ctx, plugin.Deps{
		Settings:    a.Settings,
		Detector:    a.Detector,
		Bus:         a.Bus,
		Rewriter:    a.Rewriter,
		Admin:       a.Admin,
		AdminPrefix: cfg.Site.AdminPrefix,
	})

	info := a.Detector.Info()
	startup.
		Encoder(info.Library, info.LibraryLabel, info.Supported).
		Path("uploads", cfg.Uploads.BaseDir).
		Path("uploadsURL", cfg.Uploads.BaseURL).
		Path("admin", cfg.Site.AdminPrefix).
		Feature("rewrite", a.Plugin.Installed()).
		Feature("admin", a.Tokens != nil).
		Log()

	return a, nil
}

// Close releases backend connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// AWS loads the AWS config on first use.
func (a *App) AWS(ctx context.Context) (*awsboot.Clients, error) {
	a.awsOnce.Do(func() {
		c, err := awsboot.InitAWS(ctx)
		if err != nil {
			a.awsErr = err
			return
		}
		a.aws = &c
	})
	return a.aws, a.awsErr
}

func (a *App) buildOptions(ctx context.Context, startup *logging.StartupLogger) error {
	oc := a.Config.Options
	switch oc.Backend {
	case "memory":
		a.Options = options.NewMemoryStore()
	case "file":
		a.Options = options.NewFileStore(oc.File)
		startup.Path("options", oc.File)
	case "dynamodb":
		c, err := a.AWS(ctx)
		if err != nil {
			return err
		}
		a.Options = options.NewDynamoStore(c.DynamoDB(), oc.DynamoTable)
		startup.Config("optionsTable", oc.DynamoTable)
	case "redis":
		rs, err := options.DialRedis(ctx, oc.RedisAddr, oc.RedisDB)
		if err != nil {
			return err
		}
		a.Options = rs
		a.closers = append(a.closers, func() { rs.Close() })
	default:
		return fmt.Errorf("unknown options backend %q", oc.Backend)
	}
	startup.Store("options", oc.Backend)
	return nil
}

func (a *App) buildCatalog(ctx context.Context, startup *logging.StartupLogger) error {
	cc := a.Config.Catalog
	switch cc.Backend {
	case "file":
		fc, err := catalog.NewFileCatalog(cc.File)
		if err != nil {
			return err
		}
		a.Catalog, a.CatalogWriter = fc, fc
		startup.Path("catalog", cc.File)
	case "postgres":
		pc, pool, err := catalog.ConnectPostgres(ctx, cc.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		if err := pc.Migrate(ctx); err != nil {
			return err
		}
		a.Catalog, a.CatalogWriter = pc, pc
	default:
		return fmt.Errorf("unknown catalog backend %q", cc.Backend)
	}
	startup.Store("catalog", cc.Backend)
	return nil
}

func (a *App) buildEvents(ctx context.Context, startup *logging.StartupLogger) error {
	ec := a.Config.Events
	if ec.BusName == "" {
		a.Events = events.Nop{}
		startup.Feature("events", false)
		return nil
	}
	c, err := a.AWS(ctx)
	if err != nil {
		return err
	}
	a.Events = events.NewEventBridgePublisher(c.EventBridge(), ec.BusName, ec.Source)
	startup.Feature("events", true).Config("eventBus", ec.BusName)
	return nil
}

// tokenIssuer builds the session signer, nil when no secret is configured.
func (a *App) tokenIssuer(ctx context.Context) (*admin.TokenIssuer, error) {
	ac := a.Config.Auth
	secret := ac.SessionSecret
	if secret == "" && ac.SessionSecretParam != "" {
		c, err := a.AWS(ctx)
		if err != nil {
			return nil, err
		}
		secret, err = awsboot.LoadSecret(ctx, c.SSM(), "", ac.SessionSecretParam)
		if err != nil {
			return nil, err
		}
	}
	if secret == "" {
		return nil, nil
	}
	return admin.NewTokenIssuer(admin.TokenConfig{
		Secret:     []byte(secret),
		Issuer:     ac.Issuer,
		SessionTTL: ac.SessionTTL,
		NonceTTL:   ac.NonceTTL,
	})
}

// buildAdmin wires the admin API. Without a session secret the surface is
// still mounted but answers 503.
func (a *App) buildAdmin(ctx context.Context, startup *logging.StartupLogger) error {
	tokens, err := a.tokenIssuer(ctx)
	if err != nil {
		return err
	}
	startup.Secret("session", tokens != nil)
	if tokens == nil {
		log.Warn().Msg("No session secret configured, admin API disabled")
		a.Admin = disabledAdmin()
		return nil
	}

	a.Tokens = tokens
	a.Admin = admin.NewHandler(admin.Config{
		Prefix:     a.Config.Site.AdminPrefix,
		Tokens:     tokens,
		Settings:   a.Settings,
		Batcher:    regenerate.Local{Regenerator: a.Regenerator},
		Support:    a.Detector,
		Events:     a.Events,
		BatchRate:  a.Config.Admin.BatchRate,
		BatchBurst: a.Config.Admin.BatchBurst,
	})
	startup.Config("sessionIssuer", a.Config.Auth.Issuer)
	return nil
}

// OpenSettings opens only the option backend, for commands that touch
// settings alone. The returned func releases it.
func OpenSettings(ctx context.Context, cfg *config.Config) (*settings.Store, func(), error) {
	a := &App{Config: cfg}
	if err := a.buildOptions(ctx, logging.NewStartupLogger("webpeasy")); err != nil {
		a.Close()
		return nil, nil, err
	}
	return settings.New(a.Options), a.Close, nil
}

// OpenCatalog opens only the asset catalog.
func OpenCatalog(ctx context.Context, cfg *config.Config) (media.Catalog, media.CatalogWriter, func(), error) {
	a := &App{Config: cfg}
	if err := a.buildCatalog(ctx, logging.NewStartupLogger("webpeasy")); err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	return a.Catalog, a.CatalogWriter, a.Close, nil
}

// TokenIssuer loads the session secret and builds a signer. It fails when
// no secret is configured.
func TokenIssuer(ctx context.Context, cfg *config.Config) (*admin.TokenIssuer, error) {
	a := &App{Config: cfg}
	tokens, err := a.tokenIssuer(ctx)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("no session secret configured: set auth.session_secret or auth.session_secret_param")
	}
	return tokens, nil
}

// Detector builds the encoder detector for cfg without probing.
func Detector(cfg *config.Config) (*capability.Detector, error) {
	backends, err := capability.BackendsFor(cfg.Encoder, logging.EnvOrDefault("WEBPEASY_FFMPEG", "ffmpeg"))
	if err != nil {
		return nil, err
	}
	return capability.NewDetector(backends...), nil
}

func disabledAdmin() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"success":false,"data":{"message":"Admin API disabled: no session secret configured."}}`)
	})
}
