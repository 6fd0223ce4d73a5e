package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang/glog"

	"github.com/agentworkforce/gistdb/internal/config"
	"github.com/agentworkforce/gistdb/internal/docstore"
	"github.com/agentworkforce/gistdb/internal/gist"
	"github.com/agentworkforce/gistdb/internal/httpapi"
	"github.com/agentworkforce/gistdb/internal/kv"
	"github.com/agentworkforce/gistdb/internal/mirror"
	"github.com/agentworkforce/gistdb/internal/session"
	"github.com/agentworkforce/gistdb/internal/tenant"
)

type Logger interface {
	Printf(format string, args ...any)
}

// GlogLogger routes component logs through glog at info level.
type GlogLogger struct{}

func (GlogLogger) Printf(format string, args ...any) {
	glog.InfoDepth(1, fmt.Sprintf(format, args...))
}

// App owns every long-lived component of one gistdb process.
type App struct {
	Tenant   tenant.Tenant
	Sessions *session.Manager
	Store    *docstore.Store
	Mirror   *mirror.Mirror
	Handler  http.Handler

	durable kv.Store
	tab     kv.Store
	logger  Logger
}

// Overrides replaces the network-facing collaborators, mainly for tests.
type Overrides struct {
	Remote    docstore.Remote
	Identity  session.Identity
	Exchanger session.TokenExchanger
	Provision session.Provisioner
}

func New(cfg config.Config, logger Logger) (*App, error) {
	return NewWithOverrides(cfg, logger, Overrides{})
}

func NewWithOverrides(cfg config.Config, logger Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = GlogLogger{}
	}
	resolver := tenant.Resolver{
		ProductionHost: cfg.ProductionHost,
		ProductionID:   cfg.ProductionGistID,
		PreviewID:      cfg.PreviewGistID,
	}
	current := resolver.Resolve(cfg.Hostname)

	durableDSN, err := cfg.StorageDSN()
	if err != nil {
		return nil, err
	}
	durable, err := kv.Open(durableDSN)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	tab, err := kv.Open(cfg.TabDSN)
	if err != nil {
		durable.Close()
		return nil, fmt.Errorf("open tab store: %w", err)
	}
	a := &App{Tenant: current, durable: durable, tab: tab, logger: logger}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	client := gist.NewHTTPClient(cfg.GistAPIURL, httpClient)
	remote := ov.Remote
	if remote == nil {
		remote = client
	}
	identity := ov.Identity
	if identity == nil {
		identity = client
	}
	exchanger := ov.Exchanger
	if exchanger == nil {
		exchanger = session.NewHTTPTokenExchanger(cfg.TokenProxyURL, httpClient)
	}
	provisioner := ov.Provision
	if provisioner == nil {
		provisioner = gist.Provisioner{Client: client, Description: cfg.ContainerDesc}
	}

	a.Sessions, err = session.NewManager(session.Options{
		Durable:        durable,
		Tab:            tab,
		Tenant:         current,
		Exchanger:      exchanger,
		Identity:       identity,
		Provisioner:    provisioner,
		ClientID:       cfg.OAuthClientID,
		AuthorizeURL:   cfg.OAuthAuthorizeURL,
		CrossSubdomain: cfg.CrossSubdomain,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("session manager: %w", err)
	}

	a.Mirror, err = mirror.New(cfg.MirrorPath(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("mirror: %w", err)
	}

	bus := a.Sessions.Bus()
	a.Store, err = docstore.New(docstore.Options{
		Remote:            remote,
		Credentials:       a.Sessions,
		PublicContainerID: cfg.PublicContainerID(),
		Tab:               tab,
		Mirror:            a.Mirror,
		Retry: docstore.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     docstore.LinearBackoff(cfg.RetryBackoff),
		},
		Logger: logger,
		OnWrite: func(files []string) {
			bus.Publish(session.Event{
				Type:          session.EventDocsChanged,
				Authenticated: true,
				Files:         files,
			})
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("document store: %w", err)
	}

	a.Handler = httpapi.NewServerWithConfig(a.Store, a.Sessions, httpapi.ServerConfig{
		APIToken:     cfg.APIToken,
		RedirectURL:  cfg.OAuthRedirectURL,
		RateLimitMax: cfg.RateLimitMax,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	return a, nil
}

// Start runs the background plumbing until ctx is done: auth changes drop
// cached documents, and a file-backed session store is watched so a login
// made by another process is picked up.
func (a *App) Start(ctx context.Context) {
	events, cancel := a.Sessions.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Type == session.EventAuthChanged {
					a.Store.Invalidate()
				}
			}
		}
	}()

	fileStore, ok := a.durable.(*kv.FileStore)
	if !ok {
		return
	}
	go func() {
		err := fileStore.Watch(ctx, func() {
			if err := a.Sessions.Reload(); err != nil {
				a.logger.Printf("reload session: %v", err)
			}
		})
		if err != nil {
			a.logger.Printf("watch %s: %v", fileStore.Path(), err)
		}
	}()
}

// MirrorOnce refreshes the local mirror from the container visible to the
// current session and, when exportDir is set, writes the documents there.
func (a *App) MirrorOnce(ctx context.Context, exportDir string) (mirror.ExportResult, error) {
	a.Store.Invalidate()
	containerID, _, err := a.Store.Snapshot(ctx)
	if err != nil {
		return mirror.ExportResult{}, err
	}
	if strings.TrimSpace(exportDir) == "" {
		return mirror.ExportResult{}, nil
	}
	return a.Mirror.Export(containerID, exportDir)
}

func (a *App) Close() error {
	var errs []error
	if a.tab != nil {
		errs = append(errs, a.tab.Close())
	}
	if a.durable != nil {
		errs = append(errs, a.durable.Close())
	}
	return errors.Join(errs...)
}
