package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/app"
	"github.com/nhle/phish-triage/internal/credential"
	"github.com/nhle/phish-triage/internal/logger"
	"github.com/nhle/phish-triage/internal/model"
	"github.com/nhle/phish-triage/internal/pipeline"
	"github.com/nhle/phish-triage/internal/store"
)

// session holds what the Before hook prepared for a command.
type session struct {
	cfg *model.AppConfig
	log *zap.Logger
}

func newCLI() *cli.App {
	s := &session{}

	return &cli.App{
		Name:  "phishtriage",
		Usage: "ingest a mailbox and flag likely phishing messages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   model.DefaultConfigPath(),
				EnvVars: []string{"PHISHTRIAGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := model.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			s.cfg = cfg
			s.log = log
			return nil
		},
		After: func(*cli.Context) error {
			if s.log != nil {
				_ = s.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "ingest new messages, then verify a batch",
				Action: s.withApp(runAction),
			},
			{
				Name:   "ingest",
				Usage:  "copy new messages from the mailbox into the store",
				Action: s.withApp(ingestAction),
			},
			{
				Name:  "verify",
				Usage: "score a batch of stored messages",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "re-score messages that were already verified",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "number of messages to score (overrides verify.batch_size)",
					},
				},
				Before: func(c *cli.Context) error {
					if n := c.Int("batch-size"); n > 0 {
						s.cfg.Verify.BatchSize = n
					}
					return nil
				},
				Action: s.withApp(verifyAction),
			},
			{
				Name:   "watch",
				Usage:  "run on the configured schedule and serve metrics",
				Action: s.withApp(watchAction),
			},
			{
				Name:   "migrate",
				Usage:  "create or upgrade the database schema",
				Action: s.withStore(migrateAction),
			},
			{
				Name:   "stats",
				Usage:  "show message counts",
				Action: s.withStore(statsAction),
			},
			{
				Name:      "show",
				Usage:     "show one stored message",
				ArgsUsage: "<external-id>",
				Action:    s.withStore(showAction),
			},
			{
				Name:  "credential",
				Usage: "manage secrets in the system keyring",
				Subcommands: []*cli.Command{
					{
						Name:      "set",
						Usage:     "store a secret (value is read from stdin)",
						ArgsUsage: "<" + strings.Join(credential.Keys, "|") + ">",
						Action:    credentialSetAction,
					},
					{
						Name:      "delete",
						Usage:     "remove a stored secret",
						ArgsUsage: "<" + strings.Join(credential.Keys, "|") + ">",
						Action:    credentialDeleteAction,
					},
				},
			},
			{
				Name:  "config",
				Usage: "manage the configuration file",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "write the effective configuration, without secrets, to --config",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "force",
								Usage: "overwrite an existing file",
							},
						},
						Action: s.configInitAction,
					},
				},
			},
		},
	}
}

type appAction func(c *cli.Context, a *app.App) error

// withApp builds the full application, including the mailbox connector.
func (s *session) withApp(fn appAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := s.cfg.RequireMailbox(); err != nil {
			return err
		}

		var secrets app.Secrets
		if ks, err := credential.Open(""); err != nil {
			s.log.Warn("keyring unavailable", zap.Error(err))
		} else {
			secrets = ks
		}

		a, err := app.New(c.Context, s.cfg, s.log, secrets)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}

type storeAction func(c *cli.Context, st *store.SQLStore) error

// withStore opens only the store. Opening runs pending migrations.
func (s *session) withStore(fn storeAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		st, err := store.Open(c.Context, s.cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(c, st)
	}
}

func runAction(c *cli.Context, a *app.App) error {
	sum, err := a.Runner().Run(c.Context)
	printSummary(c.App.Writer, sum)
	return err
}

func ingestAction(c *cli.Context, a *app.App) error {
	sum, err := a.Runner().Ingest(c.Context)
	printSummary(c.App.Writer, sum)
	return err
}

func verifyAction(c *cli.Context, a *app.App) error {
	sum, err := a.Runner().Verify(c.Context, c.Bool("force"))
	printSummary(c.App.Writer, sum)
	return err
}

func watchAction(c *cli.Context, a *app.App) error {
	err := a.Watch(c.Context)
	if err != nil && c.Context.Err() != nil {
		return nil
	}
	return err
}

func migrateAction(c *cli.Context, st *store.SQLStore) error {
	version, err := st.SchemaVersion(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "schema version %d (latest %d)\n", version, store.LatestVersion())
	return nil
}

func statsAction(c *cli.Context, st *store.SQLStore) error {
	stats, err := st.Stats(c.Context)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	fmt.Fprintf(tw, "verified\t%d\n", stats.Verified)
	fmt.Fprintf(tw, "phishing\t%d\n", stats.Phishing)
	fmt.Fprintf(tw, "unverified\t%d\n", stats.Unverified)
	return tw.Flush()
}

// messageView is the JSON shape printed by show.
type messageView struct {
	*model.Message
	Links       []string         `json:"links"`
	Attachments []attachmentView `json:"attachments"`
}

type attachmentView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

func showAction(c *cli.Context, st *store.SQLStore) error {
	id := c.Args().First()
	if !model.ValidExternalID(id) {
		return fmt.Errorf("invalid external id %q", id)
	}
	return showMessage(c.Context, c.App.Writer, st, id)
}

func showMessage(ctx context.Context, w io.Writer, st store.Store, id string) error {
	msg, err := st.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	links, err := st.GetLinks(ctx, id)
	if err != nil {
		return err
	}
	atts, err := st.GetAttachments(ctx, id)
	if err != nil {
		return err
	}

	view := messageView{
		Message:     msg,
		Links:       make([]string, 0, len(links)),
		Attachments: make([]attachmentView, 0, len(atts)),
	}
	for _, l := range links {
		view.Links = append(view.Links, l.URL)
	}
	for _, a := range atts {
		view.Attachments = append(view.Attachments, attachmentView{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func printSummary(w io.Writer, sum pipeline.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", sum.RunID)
	fmt.Fprintf(tw, "ingested\t%d\n", sum.Ingested)
	fmt.Fprintf(tw, "skipped\t%d\n", sum.Skipped)
	fmt.Fprintf(tw, "rejected\t%d\n", sum.Rejected)
	fmt.Fprintf(tw, "verified\t%d\n", sum.Verified)
	fmt.Fprintf(tw, "phishing\t%d\n", sum.Phishing)
	fmt.Fprintf(tw, "missing\t%d\n", sum.Missing)
	fmt.Fprintf(tw, "failed\t%d\n", sum.Failed)
	_ = tw.Flush()
}

func (s *session) configInitAction(c *cli.Context) error {
	path := c.String("config")
	if !c.Bool("force") {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := model.SaveConfig(path, s.cfg); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func credentialKey(c *cli.Context) (string, error) {
	key := c.Args().First()
	if !credential.IsKnownKey(key) {
		return "", fmt.Errorf("unknown credential %q (want one of %s)", key, strings.Join(credential.Keys, ", "))
	}
	return key, nil
}

func credentialSetAction(c *cli.Context) error {
	key, err := credentialKey(c)
	if err != nil {
		return err
	}

	value, err := bufio.NewReader(c.App.Reader).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading value: %w", err)
	}
	value = strings.TrimRight(value, "\r\n")
	if value == "" {
		return fmt.Errorf("empty value for %s", key)
	}

	ks, err := credential.Open("")
	if err != nil {
		return err
	}
	if err := ks.Set(key, value); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "stored %s\n", key)
	return nil
}

func credentialDeleteAction(c *cli.Context) error {
	key, err := credentialKey(c)
	if err != nil {
		return err
	}
	ks, err := credential.Open("")
	if err != nil {
		return err
	}
	if err := ks.Delete(key); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %s\n", key)
	return nil
}
