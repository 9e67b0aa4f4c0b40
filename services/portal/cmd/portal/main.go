package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cabohealth/internal/util"
	"cabohealth/pkg/roles"
	"cabohealth/services/portal/internal/authclient"
	"cabohealth/services/portal/internal/config"
	"cabohealth/services/portal/internal/recordsclient"
	"cabohealth/services/portal/internal/session"
	"cabohealth/services/portal/internal/workflow"

	"github.com/spf13/cobra"
)

// portal holds the clients and controllers shared by every command.
type portal struct {
	cfg        config.Config
	logger     *slog.Logger
	auth       *authclient.Client
	records    *recordsclient.Client
	session    *session.Manager
	dashboards *workflow.Dashboards
	review     *workflow.Review
	uploader   *workflow.Uploader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	p := &portal{}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "portal",
		Short:         "Doctor and patient portal for lab analyses",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return p.init(cmd.Context(), configPath)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if p.session != nil {
				p.session.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CABO_CONFIG"), "path to a YAML config file")

	rootCmd.AddCommand(
		loginCmd(p),
		registerCmd(p),
		completeProfileCmd(p),
		logoutCmd(p),
		whoamiCmd(p),
		openCmd(p),
		dashboardCmd(p),
		reviewCmd(p),
		uploadCmd(p),
		reportCmd(p),
		functionalCmd(p),
		notificationsCmd(p),
	)
	return rootCmd
}

func (p *portal) init(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	p.cfg = cfg
	p.logger = util.InitCLILogger(cfg.LogLevel, "portal")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	p.auth, err = authclient.NewClient(cfg.AuthURL, cfg.SessionFile, cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("auth client: %w", err)
	}
	p.records, err = recordsclient.NewClient(cfg.RecordsURL, p.auth, cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("records client: %w", err)
	}

	p.session = session.NewManager(p.auth, roles.NewResolver(p.records), p.records, p.logger)
	if err := p.session.Start(ctx); err != nil {
		// The session stays usable as signed-in-without-role; commands
		// that need a role report it through routing.
		p.logger.Warn("session restore failed", "err", err)
	}

	p.dashboards = workflow.NewDashboards(p.records, p.logger)
	p.review = workflow.NewReview(p.records, p.logger)
	p.uploader = workflow.NewUploader(p.records, p.logger, workflow.WithLocation(loc))
	return nil
}
