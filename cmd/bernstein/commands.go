package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/appstate"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/bernsteinhq/bernstein/internal/oauth2"
	"github.com/bernsteinhq/bernstein/internal/sync"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "manage archived accounts",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "add an IMAP account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "host", Usage: "IMAP host (defaults to imap.gmail.com for google)"},
					&cli.IntFlag{Name: "port", Value: 993},
					&cli.StringFlag{Name: "username", Usage: "IMAP username (defaults to the email address)"},
					&cli.StringFlag{Name: "provider", Value: account.ProviderClassicIMAP, Usage: "classic_imap or google_imap"},
					&cli.StringFlag{Name: "selection-mode", Value: account.SelectionAuto, Usage: "auto or manual"},
				},
				Action: runAccountAdd,
			},
			{
				Name:   "list",
				Usage:  "list accounts",
				Action: runAccountList,
			},
			{
				Name:      "remove",
				Usage:     "remove (disable) an account; archived mail is retained",
				ArgsUsage: "<account-id>",
				Action:    runAccountRemove,
			},
			{
				Name:      "reset-cursors",
				Usage:     "clear all sync cursors of an account to force a full resync",
				ArgsUsage: "<account-id>",
				Action:    runAccountResetCursors,
			},
		},
	}
}

func runAccountAdd(c *cli.Context) error {
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	defer a.close()

	provider := c.String("provider")
	host := c.String("host")
	username := c.String("username")
	email := c.String("email")
	port := c.Int("port")

	authKind := account.AuthPassword
	oauthProvider := ""
	oauthScopes := ""
	if provider == account.ProviderGoogleIMAP {
		authKind = account.AuthOAuth2
		oauthProvider = "google"
		oauthScopes = oauth2.GoogleScopes
		if host == "" {
			host = oauth2.GoogleIMAPHost
			port = oauth2.GoogleIMAPPort
		}
	}
	if host == "" {
		return fmt.Errorf("--host is required for classic IMAP accounts")
	}
	if username == "" {
		username = email
	}

	secretRef := "account:" + uuid.NewString()

	if authKind == account.AuthPassword {
		password, err := promptSecret(fmt.Sprintf("IMAP password for %s: ", email))
		if err != nil {
			return err
		}
		if err := a.secrets.Set(secretRef, password); err != nil {
			return err
		}
	} else {
		clientConfig, err := oauth2.LoadClientConfig(a.secrets)
		if err != nil {
			return fmt.Errorf("run `bernstein oauth setup` first: %w", err)
		}
		if _, err := oauth2.Authorize(c.Context, a.secrets, clientConfig, email, secretRef); err != nil {
			return err
		}
	}

	accountID, err := a.accounts.Create(&account.CreateInput{
		Label:                c.String("label"),
		EmailAddress:         email,
		ProviderKind:         provider,
		IMAPHost:             host,
		IMAPPort:             port,
		IMAPTLS:              true,
		IMAPUsername:         username,
		AuthKind:             authKind,
		SecretRef:            secretRef,
		OAuthProvider:        oauthProvider,
		OAuthScopes:          oauthScopes,
		MailboxSelectionMode: c.String("selection-mode"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("account %d created\n", accountID)
	return nil
}

func runAccountList(c *cli.Context) error {
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	defer a.close()

	accounts, err := a.accounts.List()
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		state := ""
		if acc.Disabled {
			state = " (disabled)"
		}
		count, err := a.messages.CountForAccount(acc.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%d\t%s\t%s\t%s:%d\t%d messages%s\n",
			acc.ID, acc.Label, acc.EmailAddress, acc.IMAPHost, acc.IMAPPort, count, state)
	}
	return nil
}

func runAccountRemove(c *cli.Context) error {
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	defer a.close()

	accountID, err := parseID(c.Args().First())
	if err != nil {
		return err
	}
	return a.accounts.Remove(accountID)
}

func runAccountResetCursors(c *cli.Context) error {
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	defer a.close()

	accountID, err := parseID(c.Args().First())
	if err != nil {
		return err
	}
	affected, err := a.accounts.ResetCursors(accountID)
	if err != nil {
		return err
	}
	fmt.Printf("reset cursors on %d mailboxes\n", affected)
	return nil
}

func mailboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "mailbox",
		Usage: "manage mailbox archiving",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "list mailboxes of an account",
				ArgsUsage: "<account-id>",
				Action: func(c *cli.Context) error {
					a, err := openArchive(c)
					if err != nil {
						return err
					}
					defer a.close()

					accountID, err := parseID(c.Args().First())
					if err != nil {
						return err
					}
					mailboxes, err := a.mailboxes.List(accountID)
					if err != nil {
						return err
					}
					for _, m := range mailboxes {
						state := "off"
						if m.SyncEnabled {
							state = "on"
						}
						if m.HardExcluded {
							state = "excluded"
						}
						lastError := ""
						if m.LastError != "" {
							lastError = "\terror: " + m.LastError
						}
						fmt.Printf("%d\t%s\t%s\tuidvalidity=%d cursor=%d%s\n",
							m.ID, m.IMAPName, state, m.UIDValidity, m.LastSeenUID, lastError)
					}
					return nil
				},
			},
			{
				Name:      "enable",
				Usage:     "enable archiving for a mailbox",
				ArgsUsage: "<mailbox-id>",
				Action:    func(c *cli.Context) error { return setMailboxSync(c, true) },
			},
			{
				Name:      "disable",
				Usage:     "disable archiving for a mailbox",
				ArgsUsage: "<mailbox-id>",
				Action:    func(c *cli.Context) error { return setMailboxSync(c, false) },
			},
		},
	}
}

func setMailboxSync(c *cli.Context, enabled bool) error {
	a, err := openArchive(c)
	if err != nil {
		return err
	}
	defer a.close()

	mailboxID, err := parseID(c.Args().First())
	if err != nil {
		return err
	}
	return a.mailboxes.SetSyncEnabled(mailboxID, enabled)
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "sync all enabled accounts",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "daemon", Usage: "keep running and sync periodically"},
			&cli.Int64Flag{Name: "interval", Value: appstate.DefaultSyncIntervalSecs, Usage: "background interval in seconds (with --daemon)"},
		},
		Action: func(c *cli.Context) error {
			a, err := openArchive(c)
			if err != nil {
				return err
			}
			defer a.close()

			a.engine.SetProgressCallback(func(p sync.Progress) {
				fmt.Printf("\r%s %s (%d/%d) fetched=%d ingested=%d",
					p.AccountEmail, p.MailboxName, p.MailboxIndex, p.MailboxCount,
					p.MessagesFetched, p.MessagesIngested)
			})

			if c.Bool("daemon") {
				a.state.SetSyncIntervalSecs(c.Int64("interval"))

				scheduler := sync.NewScheduler(a.engine, a.integrity, a.state)
				scheduler.RunStartupChecks()
				scheduler.Start(c.Context)
				go a.db.StartCheckpointRoutine(c.Context)

				stop := make(chan os.Signal, 1)
				signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
				<-stop
				scheduler.Stop()
				return nil
			}

			release, err := a.state.AcquireSyncLock(c.Context)
			if err != nil {
				return err
			}
			defer release()

			summary, err := a.engine.SyncAll(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("\naccounts=%d synced=%d imported=%d\n",
				summary.AccountsSeen, summary.AccountsSynced, summary.MessagesImported)
			for _, accErr := range summary.Errors {
				fmt.Printf("account %d (%s) failed: %s\n", accErr.AccountID, accErr.EmailAddress, accErr.Message)
			}
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "verify the audit chain and the blob root hash",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quick", Usage: "only compare the root hash checkpoint"},
		},
		Action: func(c *cli.Context) error {
			a, err := openArchive(c)
			if err != nil {
				return err
			}
			defer a.close()

			checkKind := "full"
			verify := a.integrity.VerifyIntegrity
			if c.Bool("quick") {
				checkKind = "quick"
				verify = a.integrity.VerifyRootHashOnly
			}

			status, err := verify()
			if err != nil {
				return err
			}
			if err := a.integrity.RecordResult(status, checkKind); err != nil {
				return err
			}

			if status.OK {
				fmt.Printf("ok: chain_checked=%d blobs=%d root_hash=%s\n",
					status.ChainChecked, status.CurrentBlobCount, status.CurrentRootHash)
				return nil
			}
			for _, issue := range status.Issues {
				fmt.Println("ISSUE:", issue)
			}
			return fmt.Errorf("integrity verification failed")
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "search the archive",
		ArgsUsage: "[query]",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "account", Usage: "filter by account id"},
			&cli.StringFlag{Name: "mailbox", Usage: "filter by mailbox name"},
			&cli.IntFlag{Name: "limit", Value: 50},
			&cli.IntFlag{Name: "offset", Value: 0},
			&cli.BoolFlag{Name: "oldest-first"},
		},
		Action: func(c *cli.Context) error {
			a, err := openArchive(c)
			if err != nil {
				return err
			}
			defer a.close()

			query := strings.Join(c.Args().Slice(), " ")
			if len(query) > message.MaxQueryLen {
				return fmt.Errorf("search query exceeds %d characters", message.MaxQueryLen)
			}

			order := message.NewestFirst
			if c.Bool("oldest-first") {
				order = message.OldestFirst
			}

			rows, err := a.messages.List(c.Int64("account"), c.String("mailbox"), query,
				c.Int("limit"), c.Int("offset"), order)
			if err != nil {
				return err
			}
			for _, row := range rows {
				fmt.Printf("%d\t%s\t%s\t%s\t%s/%s\n",
					row.MessageBlobID, row.DateHeader, row.FromAddress, row.Subject,
					row.AccountEmail, row.MailboxName)
			}
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "export auditor packages and messages",
		Subcommands: []*cli.Command{
			{
				Name:  "auditor",
				Usage: "write the auditor ZIP package",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Required: true, Usage: "output .zip path"},
				},
				Action: func(c *cli.Context) error {
					a, err := openArchive(c)
					if err != nil {
						return err
					}
					defer a.close()
					return a.exporter.WriteAuditorPackage(c.String("out"))
				},
			},
			{
				Name:      "eml",
				Usage:     "write one message as .eml",
				ArgsUsage: "<blob-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Required: true, Usage: "output .eml path"},
				},
				Action: func(c *cli.Context) error {
					a, err := openArchive(c)
					if err != nil {
						return err
					}
					defer a.close()

					blobID, err := parseID(c.Args().First())
					if err != nil {
						return err
					}
					f, err := os.Create(c.String("out"))
					if err != nil {
						return err
					}
					defer f.Close()
					return a.exporter.WriteEml(blobID, f)
				},
			},
		},
	}
}

func docCommand() *cli.Command {
	return &cli.Command{
		Name:  "doc",
		Usage: "regenerate the Verfahrensdokumentation",
		Action: func(c *cli.Context) error {
			a, err := openArchive(c)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.doc.Ensure(); err != nil {
				return err
			}
			fmt.Println(a.doc.Path())
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show archive counts and health",
		Action: func(c *cli.Context) error {
			a, err := openArchive(c)
			if err != nil {
				return err
			}
			defer a.close()

			diag, err := a.messages.Diagnose()
			if err != nil {
				return err
			}
			dateRange, err := a.messages.ArchiveDateRange()
			if err != nil {
				return err
			}

			fmt.Printf("accounts:  %d\n", diag.AccountsCount)
			fmt.Printf("mailboxes: %d\n", diag.MailboxesCount)
			fmt.Printf("blobs:     %d\n", diag.MessageBlobsCount)
			fmt.Printf("locations: %d\n", diag.MessageLocationsCount)
			fmt.Printf("events:    %d\n", diag.EventsCount)
			if diag.BlobsWithoutLocation > 0 {
				fmt.Printf("WARNING: %d blobs without location\n", diag.BlobsWithoutLocation)
			}
			if dateRange.Oldest != "" {
				fmt.Printf("range:     %s .. %s\n", dateRange.Oldest, dateRange.Newest)
			}
			return nil
		},
	}
}

func oauthCommand() *cli.Command {
	return &cli.Command{
		Name:  "oauth",
		Usage: "OAuth client configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "setup",
				Usage: "store the Google OAuth client id and secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client-id", Required: true},
					&cli.StringFlag{Name: "client-secret", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, err := openArchive(c)
					if err != nil {
						return err
					}
					defer a.close()

					return oauth2.SaveClientConfig(a.secrets, &oauth2.ClientConfig{
						ClientID:     c.String("client-id"),
						ClientSecret: c.String("client-secret"),
					})
				},
			},
		},
	}
}

func parseID(arg string) (int64, error) {
	if arg == "" {
		return 0, fmt.Errorf("missing id argument")
	}
	var id int64
	if _, err := fmt.Sscanf(arg, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// promptSecret reads a secret from stdin. Terminal echo suppression is
// left to the caller's environment; values can also be piped in.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret must not be empty")
	}
	return secret, nil
}
