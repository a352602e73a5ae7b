// Command mailcore wires the core mail engine (cache, search index,
// address book, offline queue, IMAP/SMTP managers, and the controller
// façade) into a runnable process, plus a couple of maintenance
// subcommands. The interactive terminal UI itself is out of scope here
// (spec section 1 Non-goals) — this binary is the assembly point a UI
// would be built on top of.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aerionmail/mailcore/internal/addressbook"
	"github.com/aerionmail/mailcore/internal/cache"
	"github.com/aerionmail/mailcore/internal/config"
	"github.com/aerionmail/mailcore/internal/controller"
	"github.com/aerionmail/mailcore/internal/credentials"
	"github.com/aerionmail/mailcore/internal/crypto"
	"github.com/aerionmail/mailcore/internal/imap"
	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/mail"
	"github.com/aerionmail/mailcore/internal/maildir"
	"github.com/aerionmail/mailcore/internal/queue"
	"github.com/aerionmail/mailcore/internal/searchindex"
	"github.com/aerionmail/mailcore/internal/sleepdetector"
	"github.com/aerionmail/mailcore/internal/smtp"
	"github.com/aerionmail/mailcore/internal/status"
)

var (
	dataDir   string
	verbosity int
)

func main() {
	root := &cobra.Command{
		Use:           "mailcore",
		Short:         "single-account mail engine: cache, search, IMAP/SMTP workers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "root directory for cache, index and queue state")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")

	root.AddCommand(runCmd(), exportCmd(), passwdCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailcore"
	}
	return filepath.Join(home, ".mailcore")
}

func initLogging() {
	logging.SetVerbosity(verbosity)
}

// loadConfig reads account options from the process environment —
// config file parsing is explicitly out of scope (spec Non-goals); this
// is the typed boundary a caller's own loader hands options through.
func loadConfig() (config.Config, error) {
	opts := map[string]string{}
	for _, key := range []string{
		"address", "name", "user", "pass", "imap_host", "imap_port",
		"smtp_host", "smtp_port", "inbox", "sent", "drafts", "trash",
		"cache_encrypt", "save_pass", "client_store_sent", "offline",
	} {
		if v, ok := os.LookupEnv("MAILCORE_" + toEnvSuffix(key)); ok {
			opts[key] = v
		}
	}
	return config.Parse(opts)
}

func toEnvSuffix(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "connect and serve the IMAP/SMTP workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			initLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var enc *crypto.Encryptor
			if cfg.CacheEncrypt {
				pass, err := accountPassword(cfg)
				if err != nil {
					return err
				}
				enc = crypto.NewEncryptor(pass)
			}

			store := cache.New(dataDir, enc)
			idx, err := searchindex.Open(filepath.Join(dataDir, "index", "fts.db"))
			if err != nil {
				return fmt.Errorf("open search index: %w", err)
			}
			defer idx.Close()

			book, err := addressbook.Open(filepath.Join(dataDir, "addressbook.db"), enc)
			if err != nil {
				return fmt.Errorf("open address book: %w", err)
			}
			defer book.Close()

			q, err := queue.Open(dataDir)
			if err != nil {
				return fmt.Errorf("open offline queue: %w", err)
			}

			st := status.New()

			imapCfg := imap.ClientConfig{
				Host:     cfg.IMAPHost,
				Port:     cfg.IMAPPort,
				Security: imap.SecurityTLS,
				Username: cfg.User,
				Password: cfg.Pass,
				AuthType: imap.AuthTypePassword,
			}
			smtpCfg := smtp.Config{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Security: smtp.SecurityStartTLS,
				Username: cfg.User,
				Password: cfg.Pass,
				AuthType: smtp.AuthTypePassword,
			}

			imapMgr := imap.NewManager(imapCfg, store, idx, st)
			smtpMgr := smtp.NewManager(smtpCfg, book, q, st)
			imapMgr.SetOffline(cfg.Offline)
			smtpMgr.SetOffline(cfg.Offline)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			imapMgr.Start(ctx)
			defer imapMgr.Stop()

			ctrl := controller.New(imapMgr, smtpMgr, q, idx, book, st, cfg.Address)
			ctrl.WatchIdleEvents(ctx)

			detector := sleepdetector.New(30*time.Second, 2.0, func(gap time.Duration) {
				imapMgr.SetOffline(false)
				go ctrl.SetOffline(false)
			})
			detector.Start()
			defer detector.Stop()

			ctrl.OpenFolder(cfg.Inbox, mail.PrefetchLevel(cfg.PrefetchLevel))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var folder, dest string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export a folder's cached messages to a Maildir tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			initLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if folder == "" {
				folder = cfg.Inbox
			}

			var enc *crypto.Encryptor
			if cfg.CacheEncrypt {
				pass, err := accountPassword(cfg)
				if err != nil {
					return err
				}
				enc = crypto.NewEncryptor(pass)
			}
			store := cache.New(dataDir, enc)

			n, err := maildir.Export(store, folder, dest)
			if err != nil {
				return err
			}
			fmt.Printf("exported %d messages from %q to %s\n", n, folder, dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "folder to export (default: configured inbox)")
	cmd.Flags().StringVar(&dest, "dest", "./maildir-export", "destination Maildir directory")
	return cmd
}

func passwdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "change the account password and re-key encrypted local storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			initLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			newPass := os.Getenv("MAILCORE_NEW_PASS")
			if newPass == "" {
				return fmt.Errorf("passwd: set MAILCORE_NEW_PASS to the new account password")
			}

			if cfg.SavePass {
				store, err := credentials.NewStore(dataDir, dataDir)
				if err != nil {
					return err
				}
				if err := store.SetPassword(cfg.Address, newPass); err != nil {
					return err
				}
			}

			if !cfg.CacheEncrypt {
				fmt.Println("password updated (cache_encrypt is off, nothing to re-key)")
				return nil
			}

			oldEnc := crypto.NewEncryptor(cfg.Pass)
			newEnc := crypto.NewEncryptor(newPass)

			store := cache.New(dataDir, oldEnc)
			if err := store.ReKey(newEnc); err != nil {
				return fmt.Errorf("re-key cache: %w", err)
			}

			book, err := addressbook.Open(filepath.Join(dataDir, "addressbook.db"), oldEnc)
			if err != nil {
				return fmt.Errorf("open address book: %w", err)
			}
			defer book.Close()
			if err := book.ReKey(newEnc); err != nil {
				return fmt.Errorf("re-key address book: %w", err)
			}

			fmt.Println("password and encrypted local storage updated")
			return nil
		},
	}
	return cmd
}

func accountPassword(cfg config.Config) (string, error) {
	if cfg.Pass != "" {
		return cfg.Pass, nil
	}
	if !cfg.SavePass {
		return "", fmt.Errorf("no password configured and save_pass is off")
	}
	store, err := credentials.NewStore(dataDir, dataDir)
	if err != nil {
		return "", err
	}
	return store.GetPassword(cfg.Address)
}
