package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"collab/syncd/internal/auth"
	"collab/syncd/internal/compaction"
	"collab/syncd/internal/config"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/export"
	"collab/syncd/internal/history"
	"collab/syncd/internal/provider"
	"collab/syncd/internal/rbac"
	"collab/syncd/internal/store"
)

type cli struct {
	out    io.Writer
	cfg    config.Config
	store  *store.Store
	logger *slog.Logger

	driver     string
	dbURL      string
	sqlitePath string
	reposDir   string
	asJSON     bool
	verbose    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, cfg: config.Defaults()}
	if cfg, err := config.Load(); err == nil {
		c.cfg = cfg
	}

	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and maintain syncd document logs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.store != nil {
				return c.store.Close()
			}
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.driver, "db-driver", c.cfg.DBDriver, "database driver: postgres or sqlite")
	flags.StringVar(&c.dbURL, "database-url", c.cfg.DatabaseURL, "postgres connection url")
	flags.StringVar(&c.sqlitePath, "sqlite-path", c.cfg.SQLitePath, "sqlite database file")
	flags.StringVar(&c.reposDir, "repos-dir", c.cfg.ReposDir, "snapshot history directory")
	flags.BoolVar(&c.asJSON, "json", false, "print JSON instead of tables")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		c.docsCmd(),
		c.dumpCmd(),
		c.logCmd(),
		c.stateVectorCmd(),
		c.compactCmd(),
		c.historyCmd(),
		c.exportCmd(),
		c.migrateCmd(),
		c.tailCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) log() *slog.Logger {
	if c.logger == nil {
		level := slog.LevelWarn
		if c.verbose {
			level = slog.LevelDebug
		}
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return c.logger
}

func (c *cli) open(ctx context.Context) (*store.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	switch c.driver {
	case "postgres":
		db, err := store.OpenPostgres(ctx, c.dbURL)
		if err != nil {
			return nil, err
		}
		c.store = store.NewPostgresStore(db)
	case "sqlite":
		db, err := store.OpenSQLite(ctx, c.sqlitePath)
		if err != nil {
			return nil, err
		}
		c.store = store.NewSQLiteStore(db)
	default:
		return nil, fmt.Errorf("unknown database driver %q", c.driver)
	}
	return c.store, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) table(header string, rows func(w io.Writer)) error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)
	return w.Flush()
}

func (c *cli) docsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List documents with stored updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			docs, err := s.Documents(cmd.Context())
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(docs)
			}
			return c.table("DOC\tRECORDS\tLATEST CLOCK\tBYTES", func(w io.Writer) {
				for _, d := range docs {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", d.DocID, d.Records, d.LatestClock, d.Bytes)
				}
			})
		},
	}
}

func (c *cli) dumpCmd() *cobra.Command {
	var textOnly bool
	cmd := &cobra.Command{
		Use:   "dump <docId>",
		Short: "Print the materialized content of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := store.LoadDocument(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}
			if textOnly {
				_, err := fmt.Fprintln(c.out, doc.PlainText())
				return err
			}
			return c.printJSON(doc.ToJSON())
		},
	}
	cmd.Flags().BoolVar(&textOnly, "text", false, "print only the plain text")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <docId>",
		Short: "List the stored update records of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			records, err := s.Records(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			type entry struct {
				Clock     int64     `json:"clock"`
				Size      int       `json:"size"`
				Snapshot  bool      `json:"snapshot"`
				CreatedAt time.Time `json:"createdAt"`
			}
			entries := make([]entry, 0, len(records))
			for _, r := range records {
				entries = append(entries, entry{Clock: r.Clock, Size: len(r.Payload), Snapshot: r.Snapshot, CreatedAt: r.CreatedAt})
			}
			if c.asJSON {
				return c.printJSON(entries)
			}
			return c.table("CLOCK\tSIZE\tSNAPSHOT\tCREATED", func(w io.Writer) {
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%d\t%t\t%s\n", e.Clock, e.Size, e.Snapshot, e.CreatedAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func (c *cli) stateVectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state-vector <docId>",
		Short: "Print the per-client clocks of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := s.GetStateVector(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sv, err := crdt.DecodeStateVector(raw)
			if err != nil {
				return err
			}
			if c.asJSON {
				out := make(map[string]uint64, len(sv))
				for client, clock := range sv {
					out[fmt.Sprint(client)] = clock
				}
				return c.printJSON(out)
			}
			clients := sv.Clients()
			sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
			return c.table("CLIENT\tCLOCK", func(w io.Writer) {
				for _, client := range clients {
					fmt.Fprintf(w, "%d\t%d\n", client, sv[client])
				}
			})
		},
	}
}

func (c *cli) compactCmd() *cobra.Command {
	var all bool
	var minRecords int
	cmd := &cobra.Command{
		Use:   "compact [docId]",
		Short: "Fold the update log of a document into one snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a docId or --all")
			}
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			opts := []compaction.Option{compaction.WithMinRecords(minRecords)}
			if c.reposDir != "" {
				opts = append(opts, compaction.WithSinks(compaction.HistorySink{History: history.New(c.reposDir, "syncctl")}))
			}
			compactor := compaction.New(s, c.log(), opts...)
			if all {
				n, err := compactor.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.out, "compacted %d documents\n", n)
				return err
			}
			res, err := compactor.CompactDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(res)
			}
			if res.Skipped {
				_, err = fmt.Fprintf(c.out, "%s: nothing to compact (%d records)\n", res.DocID, res.Records)
				return err
			}
			_, err = fmt.Fprintf(c.out, "%s: %d records up to clock %d, %d -> %d bytes\n",
				res.DocID, res.Records, res.Upto, res.BytesBefore, res.BytesAfter)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "compact every document over --min-records")
	cmd.Flags().IntVar(&minRecords, "min-records", c.cfg.CompactionMinRecords, "record threshold for --all")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <docId>",
		Short: "List the snapshot commits of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			commits, err := history.New(c.reposDir, "syncctl").History(args[0], limit)
			if errors.Is(err, history.ErrNoHistory) {
				_, err = fmt.Fprintf(c.out, "%s has no snapshot history\n", args[0])
				return err
			}
			if err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(commits)
			}
			return c.table("HASH\tDATE\tMESSAGE", func(w io.Writer) {
				for _, commit := range commits {
					fmt.Fprintf(w, "%.10s\t%s\t%s\n", commit.Hash, commit.CreatedAt.Format(time.RFC3339), commit.Message)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum commits to list")
	return cmd
}

// storeSource reads live content by replaying the log and snapshots from
// the history repository.
type storeSource struct {
	c *cli
}

func (s storeSource) Content(ctx context.Context, docID, version string) (export.Content, error) {
	if version != "" {
		snap, err := history.New(s.c.reposDir, "syncctl").ContentAt(docID, version)
		if err != nil {
			return export.Content{}, err
		}
		var root map[string]any
		if err := json.Unmarshal(snap.Doc, &root); err != nil {
			return export.Content{}, err
		}
		return export.Content{DocID: docID, Clock: snap.Clock, Root: root}, nil
	}
	st, err := s.c.open(ctx)
	if err != nil {
		return export.Content{}, err
	}
	doc, err := store.LoadDocument(ctx, st, docID)
	if err != nil {
		return export.Content{}, err
	}
	return export.Content{DocID: docID, Root: doc.ToJSON()}, nil
}

func (c *cli) exportCmd() *cobra.Command {
	var format, version, output string
	cmd := &cobra.Command{
		Use:   "export <docId>",
		Short: "Render a document as html, md, pdf or docx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			res, err := export.NewService(storeSource{c}).Export(cmd.Context(), export.Request{DocID: args[0], Version: version, Format: f})
			if err != nil {
				return err
			}
			if output == "" {
				_, err = c.out.Write(res.Data)
				return err
			}
			if output == "." {
				output = res.Filename
			}
			return os.WriteFile(output, res.Data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", "html, md, pdf or docx")
	cmd.Flags().StringVar(&version, "version", "", "snapshot commit instead of the live log")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file; \".\" uses the suggested name")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down revert) the schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if !down {
				if err := s.Migrate(cmd.Context()); err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, "migrations applied")
				return err
			}
			fsys, err := store.Migrations(s.Dialect())
			if err != nil {
				return err
			}
			if err := store.RevertMigrations(cmd.Context(), s.DB(), s.Dialect(), fsys); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, "migrations reverted")
			return err
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert every migration")
	return cmd
}

func (c *cli) tailCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "tail <docId>",
		Short: "Follow a live document and print its text on every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return errors.New("--url is required")
			}
			p := provider.New(provider.Options{URL: url, DocID: args[0], Token: token, Logger: c.log()})
			doc, err := p.Doc(cmd.Context())
			if err != nil {
				return err
			}
			changes := make(chan struct{}, 1)
			unsubscribe := doc.OnUpdate(func([]byte, any) {
				select {
				case changes <- struct{}{}:
				default:
				}
			})
			defer unsubscribe()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			errc := make(chan error, 1)
			go func() { errc <- p.Run(ctx) }()

			for {
				select {
				case err := <-errc:
					return err
				case <-changes:
					fmt.Fprintf(c.out, "--- %s\n%s\n", time.Now().Format(time.RFC3339), doc.PlainText())
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "sync endpoint, e.g. ws://localhost:8787/api/docs/notes/sync")
	cmd.Flags().StringVar(&token, "token", os.Getenv("SYNCD_TOKEN"), "bearer token")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var subject, name, role string
	var docs []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			if name == "" {
				name = subject
			}
			signed, err := auth.IssueToken([]byte(c.cfg.JWTSecret), auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
				Name:             name,
				Role:             string(rbac.Normalize(role)),
				Docs:             docs,
			}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, signed)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&name, "name", "", "display name, defaults to --sub")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleEditor), "viewer, commenter, editor or admin")
	cmd.Flags().StringSliceVar(&docs, "docs", nil, "limit the token to these document id prefixes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
