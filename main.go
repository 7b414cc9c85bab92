package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/numtide/certpilot/config"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/orchestrator"
	"github.com/numtide/certpilot/scheduler"
	"github.com/numtide/certpilot/service"
)

func main() {

	if err := loadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	defaults := config.Defaults("/var/lib/certpilot")

	app := &cli.App{
		Name:  "certpilot",
		Usage: "issue, renew and safely activate TLS certificates for a reverse proxy",
		Flags: globalFlags(defaults),
		Commands: []*cli.Command{
			{
				Name:      "issue",
				Usage:     "obtain a first certificate for a domain and activate it",
				ArgsUsage: "<domain>",
				Flags:     []cli.Flag{strategyFlag},
				Action: func(c *cli.Context) error {
					return runOnce(c, orchestrator.ModeIssue)
				},
			},
			{
				Name:      "renew",
				Usage:     "renew the certificate of a domain when it is due",
				ArgsUsage: "<domain>",
				Flags: []cli.Flag{
					strategyFlag,
					&cli.BoolFlag{
						Name:  "force",
						Usage: "acquire a new certificate even if the current one is still valid",
					},
				},
				Action: func(c *cli.Context) error {
					return runOnce(c, orchestrator.ModeRenew)
				},
			},
			{
				Name:   "daemon",
				Usage:  "renew due certificates on a schedule",
				Action: daemon,
			},
			{
				Name:   "status",
				Usage:  "list registered domains with their certificate and active configuration",
				Action: status,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

}

var strategyFlag = &cli.StringFlag{
	Name:    "strategy",
	Usage:   "challenge strategy: standalone or webroot (default: chosen per domain)",
	EnvVars: []string{"CERTPILOT_STRATEGY"},
}

// loadEnvFile reads CERTPILOT_ENV_FILE, or ./.env when present. Variables already set win.
func loadEnvFile() error {
	path, explicit := os.LookupEnv("CERTPILOT_ENV_FILE")
	if !explicit {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	return errors.Wrapf(godotenv.Load(path), "while loading %s", path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runOnce(c *cli.Context, mode orchestrator.Mode) error {
	domain := c.Args().First()
	if domain == "" || c.NArg() > 1 {
		return cli.Exit("exactly one domain is required", model.Internal.ExitCode())
	}
	strategy, err := model.ParseStrategy(c.String("strategy"))
	if err != nil {
		return cli.Exit(err.Error(), model.Internal.ExitCode())
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := setup(ctx, c, true)
	if err != nil {
		return cli.Exit(err.Error(), model.ReasonOf(err).ExitCode())
	}

	res := a.orch.Run(ctx, orchestrator.Request{
		Domain:   domain,
		Strategy: strategy,
		Mode:     mode,
		Force:    c.Bool("force"),
	})
	a.shutdown()

	fmt.Println(res.StatusLine())
	if res.State != model.StateCommitted {
		if err := writeJournal(os.Stderr, a.proxy.Journal()); err != nil {
			return err
		}
	}

	if code := res.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func daemon(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := setup(ctx, c, true)
	if err != nil {
		return cli.Exit(err.Error(), model.ReasonOf(err).ExitCode())
	}
	defer a.shutdown()

	logger := a.appCtx.Logger.With("process", "daemon")

	var opts []scheduler.Option
	if a.events != nil {
		opts = append(opts, scheduler.WithEvents(a.events))
	}
	sched, err := scheduler.New(a.appCtx, a.orch, opts...)
	if err != nil {
		return err
	}

	var server *http.Server
	if addr := a.appCtx.Settings.MetricsAddr; addr != "" {
		a.metrics.WithProcessCollectors()
		mux := http.NewServeMux()
		metricsHandler := a.metrics.Handler()
		mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.refreshExpiry()
			metricsHandler.ServeHTTP(w, r)
		}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.With("error", err).Error("metrics server stopped")
			}
		}()
		logger.With("addr", addr).Info("serving metrics")
	}

	if _, err := sched.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.With("error", err).Error("while running initial renewal check")
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	for _, t := range a.proxy.Journal() {
		logger.With("action", t.Action, "took", t.Duration, "error", t.Err, "at", t.At).Debug("proxy transition")
	}

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.With("error", err).Warn("while stopping metrics server")
		}
	}
	return nil
}

func status(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := setup(ctx, c, false)
	if err != nil {
		return cli.Exit(err.Error(), model.ReasonOf(err).ExitCode())
	}
	defer a.shutdown()

	statuses, err := a.orch.Status()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tCERTIFICATE\tEXPIRES\tCONFIG\tLOCKED BY")
	for _, st := range statuses {
		cert, expires := "none", "-"
		if st.Certificate != nil {
			cert = string(st.Certificate.Status)
			expires = st.Certificate.ExpiresAt.UTC().Format(time.RFC3339)
		}
		active := "-"
		if st.Active != nil {
			active = fmt.Sprintf("v%d", st.Active.Version)
		}
		holder := "-"
		if st.Lock != nil {
			holder = st.Lock.HolderID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Domain.Name, cert, expires, active, holder)
	}
	return w.Flush()
}

// writeJournal prints the proxy transitions of a failed run, oldest first.
func writeJournal(out io.Writer, entries []service.Transition) error {
	if len(entries) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tPROXY ACTION\tTOOK\tERROR")
	for _, t := range entries {
		errText := "-"
		if t.Err != "" {
			errText = t.Err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.At.UTC().Format(time.RFC3339), t.Action, t.Duration.Round(time.Millisecond), errText)
	}
	return w.Flush()
}
