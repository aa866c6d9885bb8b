package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"perforay/internal/logging"
	"perforay/internal/protocol"
	"perforay/internal/scanner"
	"perforay/internal/server"
	"perforay/internal/session"
)

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [uri]",
		Short: "Scan a site and stream the session to stdout",
		Long: `Scan runs one scan session without a server. Every message a websocket
client would receive is written to stdout as one JSON line; logs go to stderr.

Without a uri argument the request is read from the first line of stdin,
in the same form a websocket client sends it.

Examples:
  perforay scan https://example.com/
  echo '{"uri":"https://example.com/"}' | perforay scan
  perforay scan --max-pages 50 --depth 2 --sort https://example.com/`,
		Args: cobra.MaximumNArgs(1),
		RunE: runScanCmd,
	}

	cmd.Flags().IntP("max-pages", "p", 0, "Maximum number of pages to measure")
	cmd.Flags().IntP("depth", "d", -1, "Maximum link depth from the target")
	cmd.Flags().Bool("sort", false, "Order pages by download time, slowest first")
	cmd.Flags().Bool("no-robots", false, "Ignore robots.txt")
	cmd.Flags().Bool("store", false, "Register the result with the configured backends")

	return cmd
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("max-pages"); n > 0 {
		cfg.Scanner.MaxPages = n
	}
	if d, _ := cmd.Flags().GetInt("depth"); d >= 0 {
		cfg.Scanner.MaxDepth = d
	}
	if sortPages, _ := cmd.Flags().GetBool("sort"); sortPages {
		cfg.Session.SortPages = true
	}
	if noRobots, _ := cmd.Flags().GetBool("no-robots"); noRobots {
		cfg.Scanner.RespectRobots = false
	}

	logger := logging.NewTo(cmd.ErrOrStderr(), appName, cfg.Log)

	in := cmd.InOrStdin()
	if len(args) == 1 {
		line, err := requestLine(args[0])
		if err != nil {
			return err
		}
		in = strings.NewReader(line)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var results session.ResultStore
	if persist, _ := cmd.Flags().GetBool("store"); persist {
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		backends, closeBackends, err := openBackends(connectCtx, cfg, logger)
		cancel()
		if err != nil {
			return err
		}
		defer closeBackends()
		results = server.ResultStore(backends.Fanout(logging.Component(logger, "store")))
	}

	engine := scanner.New(scanner.OptionsFromConfig(cfg.Scanner), logging.Component(logger, "scanner"))
	return runSession(ctx, in, cmd.OutOrStdout(), engine, results, session.OptionsFromConfig(cfg.Session), logger)
}

func runSession(ctx context.Context, in io.Reader, out io.Writer, engine session.Engine, results session.ResultStore, opts session.Options, logger zerolog.Logger) error {
	conn := session.NewStreamConn(in, out)
	ctrl := session.NewController(conn, engine, results, opts, logging.Component(logger, "session"))
	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("scan %s: %w", ctrl.State(), err)
	}
	return nil
}

// requestLine renders uri as the request document a websocket client sends
func requestLine(uri string) (string, error) {
	target, err := protocol.ParseTarget(uri)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(map[string]string{"uri": target.String()})
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}
