package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	guildhall "github.com/vovakirdan/guildhall-client"
	"github.com/vovakirdan/guildhall-client/internal/archive"
	"github.com/vovakirdan/guildhall-client/internal/config"
	"github.com/vovakirdan/guildhall-client/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "guildhall:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	overrides  config.Config
	pass       string

	cfg config.Config
	log *zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "guildhall",
		Short:         "Terminal client for guildhall chat servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.overrides.ServerURL, "server", "", "server base URL")
	cmd.PersistentFlags().StringVar(&opts.overrides.User, "user", "", "username")
	cmd.PersistentFlags().StringVar(&opts.pass, "pass", "", "password (defaults to GUILDHALL_PASS)")
	cmd.PersistentFlags().StringVar(&opts.overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newChatCmd(opts), newSendCmd(opts), newGuildsCmd(opts), newHistoryCmd(opts))
	return cmd
}

func (o *cliOptions) load() error {
	cfg, path, err := config.Load(log.New("info"), o.configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(o.overrides)
	o.cfg = cfg
	o.log = log.New(cfg.LogLevel)
	o.log.Debug().Str("config", path).Msg("config loaded")

	if o.pass == "" {
		o.pass = os.Getenv("GUILDHALL_PASS")
	}
	return nil
}

func (o *cliOptions) newClient() *guildhall.Client {
	return guildhall.New(guildhall.Config{
		BaseURL:        o.cfg.ServerURL,
		Logger:         o.log,
		ReconnectDelay: o.cfg.ReconnectDelay,
		DiscoveryPause: o.cfg.DiscoveryPause,
	})
}

func (o *cliOptions) credentials() (guildhall.Credentials, error) {
	if o.cfg.User == "" {
		return guildhall.Credentials{}, fmt.Errorf("no user configured: set --user, GUILDHALL_USER, or user in the config file")
	}
	if o.pass == "" {
		return guildhall.Credentials{}, fmt.Errorf("no password: set --pass or GUILDHALL_PASS")
	}
	return guildhall.Credentials{User: o.cfg.User, Pass: o.pass}, nil
}

func newChatCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <channel-id>",
		Short: "Connect and chat in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runChat(args[0])
		},
	}
}

func (o *cliOptions) runChat(channelID string) error {
	creds, err := o.credentials()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := o.newClient()

	arc, err := archive.Open(o.cfg.ArchivePath, o.log)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arc.Close()
	arc.Attach(cl)

	cl.OnMessageCreate(func(m guildhall.Message) {
		if m.ChannelID == channelID {
			fmt.Printf("%s: %s\n", m.User.Name, m.Text)
		}
	})
	cl.OnTyping(func(t guildhall.TypingEvent) {
		if t.Started {
			fmt.Printf("* %s is typing\n", t.User.Name)
		}
	})
	cl.OnStateChange(func(old, next guildhall.ConnectionState) {
		o.log.Info().Str("from", old.String()).Str("to", next.String()).Msg("connection")
	})

	if err := cl.Login(ctx, creds); err != nil {
		return err
	}
	defer cl.Logout()

	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := cl.SendMessage(ctx, channelID, text); err != nil {
				o.log.Error().Err(err).Msg("send failed")
			}
		}
	}
}

func newSendCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <channel-id> <text>...",
		Short: "Send one message and exit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runSend(args[0], strings.Join(args[1:], " "))
		},
	}
}

func (o *cliOptions) runSend(channelID, text string) error {
	creds, err := o.credentials()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl := o.newClient()
	if err := cl.Login(ctx, creds); err != nil {
		return err
	}
	defer cl.Logout()

	return cl.SendMessage(ctx, channelID, text)
}

func newGuildsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "guilds",
		Short: "List guilds and their channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runGuilds()
		},
	}
}

func (o *cliOptions) runGuilds() error {
	creds, err := o.credentials()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl := o.newClient()
	if err := cl.Login(ctx, creds); err != nil {
		return err
	}
	defer cl.Logout()

	guilds, err := cl.Guilds(ctx)
	if err != nil {
		return err
	}
	for _, g := range guilds {
		fmt.Printf("%s  %s\n", g.ID, g.Name)
		channels, err := cl.Channels(ctx, g.ID)
		if err != nil {
			o.log.Warn().Err(err).Str("guild_id", g.ID).Msg("list channels failed")
			continue
		}
		for _, ch := range channels {
			fmt.Printf("  %s  %s\n", ch.ID, ch.Name)
		}
	}
	return nil
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <channel-id>",
		Short: "Show archived messages for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runHistory(cmd.Context(), args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to show")
	return cmd
}

func (o *cliOptions) runHistory(ctx context.Context, channelID string, limit int) error {
	arc, err := archive.Open(o.cfg.ArchivePath, o.log)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arc.Close()

	entries, err := arc.Recent(ctx, channelID, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Deleted {
			fmt.Printf("%s %s: (deleted)\n", e.ArchivedAt.Format(time.RFC3339), e.UserName)
			continue
		}
		fmt.Printf("%s %s: %s\n", e.ArchivedAt.Format(time.RFC3339), e.UserName, e.Text)
	}
	return nil
}
