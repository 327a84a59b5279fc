package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/linechat/internal/server"
)

// relay bundles the bound listeners of one run.
type relay struct {
	server     *server.Server
	listener   net.Listener
	gateway    *server.Gateway
	gwListener net.Listener
	logger     *slog.Logger
}

// runRelay binds the relay (and the gateway, if configured) and serves until
// an interrupt or a fatal error.
func runRelay(cmd *cobra.Command, v *viper.Viper, rawPort string) error {
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return fmt.Errorf("invalid port number %q", rawPort)
	}

	envFile := v.GetString(flagEnvFile)
	loaded, err := loadEnvFile(envFile)
	if err != nil {
		return err
	}
	if err := readConfigFile(v); err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), v.GetBool(flagDebug))
	if loaded {
		logger.Info("loaded environment file", "path", envFile)
	}

	cfg, err := server.LoadConfig(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Port = port

	r, err := bindRelay(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, cfg)
}

// bindRelay binds every listener up front so a bind failure is reported
// before anything is served.
func bindRelay(cfg server.Config, logger *slog.Logger) (*relay, error) {
	srv := server.NewServer(cfg, logger)
	ln, err := srv.Listen()
	if err != nil {
		logger.Error("unable to bind", "error", err)
		return nil, err
	}

	r := &relay{server: srv, listener: ln, logger: logger}
	if cfg.WebSocketAddr == "" {
		return r, nil
	}

	r.gateway = server.NewGateway(srv)
	r.gwListener, err = r.gateway.Listen()
	if err != nil {
		logger.Error("unable to bind websocket gateway", "error", err)
		return nil, multierr.Append(err, ln.Close())
	}
	return r, nil
}

func (r *relay) run(ctx context.Context, cfg server.Config) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.server.Serve(r.listener); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	if r.gateway != nil {
		g.Go(func() error {
			if err := r.gateway.Serve(r.gwListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("stopping relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var err error
		if r.gateway != nil {
			err = multierr.Append(err, r.gateway.Shutdown(shutdownCtx))
		}
		return multierr.Append(err, r.server.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// loadEnvFile merges a dotenv file into the process environment without
// overriding variables already set. A missing file is not an error.
func loadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

func readConfigFile(v *viper.Viper) error {
	path := v.GetString(flagConfig)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
