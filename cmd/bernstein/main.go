// Command bernstein is the tamper-evident IMAP archive engine.
package main

import (
	"fmt"
	"os"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/appstate"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/config"
	"github.com/bernsteinhq/bernstein/internal/credentials"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/export"
	"github.com/bernsteinhq/bernstein/internal/integrity"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/bernsteinhq/bernstein/internal/mailbox"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/bernsteinhq/bernstein/internal/sync"
	"github.com/urfave/cli/v2"
)

func main() {
	logging.Init(nil)

	app := &cli.App{
		Name:  "bernstein",
		Usage: "tamper-evident IMAP archive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the config file",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "path to the archive database (overrides config)",
			},
		},
		Commands: []*cli.Command{
			accountCommand(),
			mailboxCommand(),
			syncCommand(),
			verifyCommand(),
			searchCommand(),
			exportCommand(),
			docCommand(),
			statusCommand(),
			oauthCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// archive bundles the opened database with all stores, wired once per
// command invocation.
type archive struct {
	db        *database.DB
	accounts  *account.Store
	mailboxes *mailbox.Store
	messages  *message.Store
	events    *audit.Store
	integrity *integrity.Engine
	secrets   credentials.SecretStore
	state     *appstate.State
	doc       *export.DocumentationGenerator
	exporter  *export.Exporter
	engine    *sync.Engine
}

func openArchive(c *cli.Context) (*archive, error) {
	dbPath := c.String("db")
	if dbPath == "" {
		configPath := c.String("config")
		if configPath == "" {
			var err error
			configPath, err = config.DefaultPath()
			if err != nil {
				return nil, err
			}
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		dbPath = cfg.DBPath
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	a := &archive{
		db:        db,
		accounts:  account.NewStore(db),
		mailboxes: mailbox.NewStore(db),
		messages:  message.NewStore(db),
		events:    audit.NewStore(db),
		secrets:   credentials.NewKeyringStore(),
		state:     appstate.New(),
	}
	a.integrity = integrity.NewEngine(db, a.messages, a.events)
	a.doc = export.NewDocumentationGenerator(db, a.accounts, a.mailboxes, a.events, a.integrity)
	a.exporter = export.NewExporter(a.messages, a.events, a.integrity, a.doc)
	a.engine = sync.NewEngine(db, a.accounts, a.mailboxes, a.messages, a.events, a.secrets)
	return a, nil
}

func (a *archive) close() {
	a.db.Close()
}
