// Command oryxd runs the oryx mail server: SMTP, LMTP and Submission
// reception over a sqlite mail store.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"crawshaw.io/iox"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"oryx.ink/oryxdb"
	"oryx.ink/oryxdb/db"
	"oryx.ink/oryxdb/deliverer"
	"oryx.ink/smtp/smtpclient"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	var configFile string
	root := &cobra.Command{
		Use:           "oryxd",
		Short:         "oryx mail server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")

	root.AddCommand(serveCmd(&configFile))
	root.AddCommand(addUserCmd(&configFile))
	root.AddCommand(addAliasCmd(&configFile))

	if err := root.Execute(); err != nil {
		log.Fatalf("oryxd: %v", err)
	}
}

type settings struct {
	k *koanf.Koanf
}

func loadSettings(configFile string) (*settings, error) {
	k := koanf.New(".")
	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config %s: %v", configFile, err)
		}
	}
	return &settings{k: k}, nil
}

func (s *settings) str(key, dflt string) string {
	if s.k.Exists(key) {
		return s.k.String(key)
	}
	return dflt
}

func (s *settings) config() oryxdb.Config {
	hostname := s.str("hostname", "")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	idle := 10 * time.Minute
	if s.k.Exists("idle_timeout") {
		idle = s.k.Duration("idle_timeout")
	}
	return oryxdb.Config{
		Hostname:             hostname,
		UseSubaddressing:     s.k.Bool("use_subaddressing"),
		AddressSeparator:     s.str("address_separator", "+"),
		MessageCopy:          s.str("message_copy", "none"),
		MessageCopyDirectory: s.k.String("message_copy_directory"),
		CheckSenderAddresses: s.k.Bool("check_sender_addresses"),
		SoftBounce:           s.k.Bool("soft_bounce"),
		MaxMessageSize:       s.k.Int("max_message_size"),
		IdleTimeout:          idle,
	}
}

func (s *settings) open(filer *iox.Filer) (*oryxdb.Server, error) {
	config := s.config()
	client := smtpclient.NewClient(config.Hostname, 100)
	server, err := oryxdb.New(filer, s.str("dbdir", ""), config, mxSender{client})
	if err != nil {
		return nil, err
	}
	server.Version = version
	return server, nil
}

// mxSender adapts the MX-spooling client to the deliverer.
type mxSender struct {
	client *smtpclient.Client
}

func (m mxSender) Send(ctx context.Context, from string, recipients []string, msg []byte) []deliverer.Result {
	deliveries := m.client.Send(ctx, from, recipients, msg)
	results := make([]deliverer.Result, len(deliveries))
	for i, d := range deliveries {
		results[i] = deliverer.Result{
			Recipient: d.Recipient,
			Code:      d.Code,
			Details:   d.Details,
			Err:       d.Error,
		}
	}
	return results
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve SMTP, LMTP and Submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(*configFile)
			if err != nil {
				return err
			}

			filer := iox.NewFiler(0)
			server, err := s.open(filer)
			if err != nil {
				return err
			}
			log.Printf("oryxd %s starting at %s", version, time.Now().Format(time.RFC3339))

			listeners := func(key, dflt string) ([]oryxdb.ServerAddr, error) {
				addr := s.str(key, dflt)
				if addr == "" {
					return nil, nil
				}
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return nil, err
				}
				return []oryxdb.ServerAddr{{Hostname: server.Config.Hostname, Ln: ln}}, nil
			}
			smtpAddrs, err := listeners("smtp_addr", ":25")
			if err != nil {
				return err
			}
			lmtpAddrs, err := listeners("lmtp_addr", "")
			if err != nil {
				return err
			}
			submitAddrs, err := listeners("submit_addr", "")
			if err != nil {
				return err
			}

			if metricsAddr := s.str("metrics_addr", ""); metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Printf("oryxd: metrics server: %v", err)
					}
				}()
			}

			serveDone := make(chan error, 1)
			go func() {
				serveDone <- server.Serve(smtpAddrs, lmtpAddrs, submitAddrs)
			}()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			select {
			case <-interrupt:
			case err := <-serveDone:
				if err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Printf("oryxd: shutdown: %v", err)
			}
			if err := filer.Shutdown(ctx); err != nil {
				log.Printf("oryxd: filer shutdown: %v", err)
			}
			log.Printf("oryxd: shut down")
			return nil
		},
	}
}

func addUserCmd(configFile *string) *cobra.Command {
	var login, fullName, password, address string
	cmd := &cobra.Command{
		Use:   "adduser",
		Short: "create an account with its home mailbox and alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(*configFile)
			if err != nil {
				return err
			}
			server, err := s.open(nil)
			if err != nil {
				return err
			}
			defer server.Shutdown(context.Background())

			userID, err := server.AddUser(db.UserDetails{
				Login:    login,
				FullName: fullName,
				Password: password,
			}, address)
			if err != nil {
				return err
			}
			fmt.Printf("user %s created, id %d\n", login, userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "login name")
	cmd.Flags().StringVar(&fullName, "fullname", "", "full name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&address, "address", "", "primary address")
	return cmd
}

func addAliasCmd(configFile *string) *cobra.Command {
	var address, mailbox string
	cmd := &cobra.Command{
		Use:   "addalias",
		Short: "route an address to a mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(*configFile)
			if err != nil {
				return err
			}
			server, err := s.open(nil)
			if err != nil {
				return err
			}
			defer server.Shutdown(context.Background())

			m := server.Registry.Find(mailbox)
			if m == nil {
				return fmt.Errorf("no such mailbox %q", mailbox)
			}
			conn := server.DB.Get(nil)
			defer server.DB.Put(conn)
			if err := db.AddAlias(conn, address, m.ID); err != nil {
				return err
			}
			fmt.Printf("alias %s -> %s\n", address, mailbox)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to route")
	cmd.Flags().StringVar(&mailbox, "mailbox", "", "target mailbox path")
	return cmd
}
