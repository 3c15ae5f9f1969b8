package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"shotcal/internal/calendar"
	"shotcal/internal/capture"
	"shotcal/internal/config"
	"shotcal/internal/gcal"
	"shotcal/internal/ics"
	appLog "shotcal/internal/log"
	"shotcal/internal/poller"
	"shotcal/internal/policy"
	"shotcal/internal/scheduler"
	"shotcal/internal/store"
	"shotcal/internal/web"
)

// handledRetention bounds how long handled-job records are kept.
const handledRetention = 7 * 24 * time.Hour

func runCmd(c *cli.Context) error {
	cfg, loc, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	gw, err := buildGateway(ctx, cfg, loc)
	if err != nil {
		return authExit(err)
	}

	marker, st, err := buildMarker(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if st != nil {
		defer st.Close()
		if n, err := st.Prune(ctx, time.Now().Add(-handledRetention)); err != nil {
			appLog.Warn("pruning handled records failed", "err", err)
		} else if n > 0 {
			appLog.Debug("pruned handled records", "count", n)
		}
	}

	ctrl := capture.NewController(cfg.DefaultLocation, cfg.Settle())
	runner := scheduler.New(loc)
	runner.Start()

	p := &poller.Poller{
		Gateway:    gw,
		Policy:     policy.New(cfg.DefaultLocation, cfg.Lead(), marker, policyOptions(cfg)...),
		Runner:     runner,
		Controller: ctrl,
		Location:   loc,
	}
	if st != nil {
		p.Store = st
	}

	appLog.Info("shotcal starting",
		"version", version,
		"source", cfg.Source,
		"default_location", cfg.DefaultLocation,
		"lead", cfg.Lead().String(),
		"poll", cfg.Period().String(),
		"idempotency", cfg.Idempotency,
		"timezone", loc.String(),
	)

	if err := p.Start(ctx, cfg.Period()); err != nil {
		runner.Shutdown()
		return cli.NewExitError(fmt.Sprintf("start poller: %v", err), 1)
	}

	// nil when the status server is disabled, so the selects below block on it.
	var webDone chan error
	if cfg.Listen != "" {
		webDone = make(chan error, 1)
		srv := &web.Server{
			Jobs:     runner,
			Poller:   p,
			Capture:  ctrl,
			Auth:     cfg.BasicAuth,
			Location: loc,
		}
		if st != nil {
			srv.Handled = st
		}
		go func() { webDone <- srv.Serve(ctx, cfg.Listen) }()
	}

	select {
	case <-ctx.Done():
	case err := <-webDone:
		if err != nil {
			appLog.Error("status server failed", err, "listen", cfg.Listen)
		}
		webDone = nil
		cancel()
	}

	runner.Shutdown()
	if webDone != nil {
		select {
		case <-webDone:
		case <-time.After(6 * time.Second):
			appLog.Warn("status server did not stop in time")
		}
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), cfg.Settle()+10*time.Second)
	defer resetCancel()
	if err := ctrl.Reset(resetCtx); err != nil {
		appLog.Error("failed to restore default capture location", err)
	}

	appLog.Info("shotcal exiting")
	return nil
}

func authCmd(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if cfg.Source != config.SourceGoogle {
		return cli.NewExitError("auth is only needed for source: google", 1)
	}

	conf, err := gcal.LoadOAuthConfig(cfg.Google.CredentialsFile)
	if err != nil {
		return authExit(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if _, err := gcal.Authorize(ctx, conf, gcal.NewTokenStore(cfg.Google), c.App.Writer); err != nil {
		return authExit(err)
	}
	fmt.Fprintln(c.App.Writer, "Authorization stored.")
	return nil
}

func onceCmd(c *cli.Context) error {
	cfg, loc, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	ctx := context.Background()

	gw, err := buildGateway(ctx, cfg, loc)
	if err != nil {
		return authExit(err)
	}
	marker, st, err := buildMarker(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if st != nil {
		defer st.Close()
	}

	now := time.Now().In(loc)
	from, to := calendar.TodayWindow(now, loc)
	events, err := gw.FetchEvents(ctx, from, to)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("fetch events: %v", err), 1)
	}

	pol := policy.New(cfg.DefaultLocation, cfg.Lead(), marker, policyOptions(cfg)...)
	plan := pol.Reconcile(events, nil, now)

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tRUN AT\tFOLDER\tJOB")
	for _, jc := range plan.Creations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", jc.Kind, jc.RunAt.Format("15:04:05"), jc.Folder, jc.ID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, s := range plan.Skipped {
		fmt.Fprintf(c.App.Writer, "skipped: %v\n", s.Err)
	}
	fmt.Fprintf(c.App.Writer, "%d events, %d jobs, %d skipped\n", len(events), len(plan.Creations), len(plan.Skipped))
	return nil
}

func resetCmd(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	ctrl := capture.NewController(cfg.DefaultLocation, cfg.Settle())
	if err := ctrl.Reset(context.Background()); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	appLog.Info("capture location reset", "path", cfg.DefaultLocation)
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, *time.Location, error) {
	path := c.GlobalString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loc, nil
}

func buildGateway(ctx context.Context, cfg *config.Config, loc *time.Location) (calendar.Gateway, error) {
	switch cfg.Source {
	case config.SourceICS:
		sources := make([]ics.Source, 0, len(cfg.ICS))
		for _, s := range cfg.ICS {
			sources = append(sources, ics.Source{ID: s.ID, URL: s.URL})
		}
		return &ics.Gateway{
			Fetcher:  ics.NewFetcher(cfg.CacheDir),
			Sources:  sources,
			Location: loc,
		}, nil
	default:
		conf, err := gcal.LoadOAuthConfig(cfg.Google.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return gcal.New(ctx, conf, gcal.NewTokenStore(cfg.Google), cfg.Google.CalendarID, loc)
	}
}

// buildMarker returns the handled-event marker for cfg. The store is nil in
// folder mode.
func buildMarker(cfg *config.Config) (policy.Marker, *store.Store, error) {
	if cfg.Idempotency == config.IdempotencyFolder {
		return policy.FolderMarker{Fs: afero.NewOsFs(), Root: cfg.DefaultLocation}, nil, nil
	}
	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, nil, err
	}
	return store.Marker{Store: st}, st, nil
}

func policyOptions(cfg *config.Config) []policy.Option {
	if cfg.HorizonSeconds > 0 {
		return []policy.Option{policy.WithHorizon(cfg.Horizon())}
	}
	return nil
}

func authExit(err error) error {
	if errors.Is(err, gcal.ErrAuth) {
		return cli.NewExitError(fmt.Sprintf("%v\nrun `shotcal auth` to (re)authorize calendar access", err), 1)
	}
	return cli.NewExitError(err.Error(), 1)
}
