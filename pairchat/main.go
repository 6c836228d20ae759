package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/pairchat/chat"
	"github.com/gosuda/pairchat/chat/session"
	"github.com/gosuda/pairchat/chat/state"
)

var rootCmd = &cobra.Command{
	Use:   "pairchat",
	Short: "Two-party chat client",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(flagLogLevel, flagConsole && cmd.Name() == "pairchat")
	},
	RunE: runChat,
}

var loginCmd = &cobra.Command{
	Use:   "login <login> <password>",
	Short: "Log in and store the token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *chat.Client) error {
			user, err := c.Login(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", user)
			return nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <login> <password>",
	Short: "Create an account and log in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *chat.Client) error {
			user, err := c.Register(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered and logged in as %s\n", user)
			return nil
		})
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List online peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *chat.Client) error {
			if c.Self() == "" {
				return chat.ErrNoIdentity
			}
			if err := c.RefreshOnline(ctx); err != nil {
				return err
			}
			for _, p := range c.Online() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.ID, p.Image)
			}
			return nil
		})
	},
}

var (
	flagServer         string
	flagDataPath       string
	flagPort           int
	flagServerURLs     []string
	flagName           string
	flagCredKey        string
	flagRequestTimeout time.Duration
	flagLogLevel       string
	flagConsole        bool
)

func init() {
	loadDotEnv()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServer, "server", envOr("PAIRCHAT_SERVER", defaultServer), "chat server websocket URL (env PAIRCHAT_SERVER)")
	flags.StringVar(&flagDataPath, "data-path", os.Getenv("PAIRCHAT_DATA"), "directory for the PebbleDB client state; empty keeps it in memory (env PAIRCHAT_DATA)")
	flags.IntVar(&flagPort, "port", envInt("PAIRCHAT_PORT", -1), "optional local HTTP port for the view (negative to disable, env PAIRCHAT_PORT)")
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relayserver base URL(s) to publish the view; repeat or comma-separated (env RELAY)")
	flags.StringVar(&flagName, "name", "pairchat", "backend display name on the relay")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the relay listener (base64 encoded)")
	flags.DurationVar(&flagRequestTimeout, "request-timeout", defaultRequestTimeout, "timeout for request/reply exchanges with the server")
	flags.StringVar(&flagLogLevel, "log-level", envOr("PAIRCHAT_LOG_LEVEL", "info"), "log level (env PAIRCHAT_LOG_LEVEL)")
	rootCmd.Flags().BoolVar(&flagConsole, "console", true, "read commands and messages from stdin")

	rootCmd.AddCommand(loginCmd, registerCmd, usersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute pairchat command")
	}
}

// openClient builds the client over the configured state store. The
// returned close function releases both.
func openClient() (*chat.Client, func(), error) {
	var store state.Store = state.NewMemory()
	if flagDataPath != "" {
		p, err := state.OpenPebble(flagDataPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open state: %w", err)
		}
		store = p
	}
	keeper := state.NewKeeper(store)
	sess := session.New(session.Config{
		URL:            flagServer,
		RequestTimeout: flagRequestTimeout,
		Reconnect:      true,
	}, keeper)
	client := chat.New(sess, keeper)
	return client, func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("[chat] close client")
		}
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[chat] close state")
		}
	}, nil
}

// withClient runs fn against a started client and tears it down after.
func withClient(ctx context.Context, fn func(context.Context, *chat.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()
	if err := client.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, client)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, closeFn, err := openClient()
	if err != nil {
		return err
	}
	defer closeFn()
	if err := client.Start(ctx); err != nil {
		return err
	}

	rl, err := openRelay(relayURLs(flagServerURLs), flagName, flagCredKey)
	if err != nil {
		return err
	}
	defer rl.Close()
	handler := NewHandler(flagName, client)

	g, gctx := errgroup.WithContext(ctx)
	for i, ln := range rl.listeners {
		idx, ln := i, ln
		g.Go(func() error {
			if err := http.Serve(ln, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[view] relay http error")
			}
			return nil
		})
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[view] serving locally at http://127.0.0.1:%d", flagPort)
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("local http: %w", err)
			}
			return nil
		})
	}

	if flagConsole {
		g.Go(func() error {
			con := &console{client: client, in: os.Stdin, out: cmd.OutOrStdout()}
			return con.run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		rl.Close()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("[view] http server shutdown error")
			}
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("[chat] shutdown complete")
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}
