// Command hyperzoom hosts or joins a recorded peer-to-peer call.
//
// Exit codes: 0 clean, 1 fatal init (no device, no socket), 2 join timeout
// or session full, 3 finalize failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/hyperzoom"
	"github.com/opd-ai/hyperzoom/audio"
	"github.com/opd-ai/hyperzoom/config"
	"github.com/opd-ai/hyperzoom/metrics"
	"github.com/opd-ai/hyperzoom/session"
	"github.com/opd-ai/hyperzoom/transport"
)

const (
	exitFatalInit   = 1
	exitJoinFailed  = 2
	exitFinalizeErr = 3
)

func main() {
	app := &cli.App{
		Name:  "hyperzoom",
		Usage: "peer-to-peer recorded conferencing",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "bind-port", Usage: "UDP port to bind (0 = ephemeral)"},
			&cli.StringFlag{Name: "display-name", Usage: "name sent in Hello"},
			&cli.StringFlag{Name: "recording-root", Usage: "recording directory override"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Prometheus listener address"},
			&cli.BoolFlag{Name: "no-audio", Usage: "run without audio devices (testing)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:   "host",
				Usage:  "host a new session",
				Action: runHost,
			},
			{
				Name:      "join",
				Usage:     "join a session at host address",
				ArgsUsage: "<host:port>",
				Action:    runJoin,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		logrus.WithError(err).Error("Unhandled failure")
		os.Exit(exitFatalInit)
	}
}

func buildNode(c *cli.Context) (*hyperzoom.Node, error) {
	if c.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Load()
	if c.IsSet("bind-port") {
		cfg.BindPort = c.Int("bind-port")
	}
	if c.IsSet("display-name") {
		cfg.DisplayName = c.String("display-name")
	}
	if c.IsSet("recording-root") {
		cfg.RecordingRoot = c.String("recording-root")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}

	opts := hyperzoom.Options{
		Config:  cfg,
		Metrics: metrics.New(),
	}
	if !c.Bool("no-audio") {
		opts.CaptureDevice = audio.NewPortAudioCapture()
		opts.PlaybackDevice = audio.NewPortAudioPlayback()
	}

	node, err := hyperzoom.NewNode(opts)
	if err != nil {
		if errors.Is(err, transport.ErrBindFailed) || errors.Is(err, audio.ErrDeviceUnavailable) {
			return nil, cli.Exit(err.Error(), exitFatalInit)
		}
		return nil, err
	}
	return node, nil
}

func runHost(c *cli.Context) error {
	node, err := buildNode(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := node.Host(ctx); err != nil {
		return startupError(err)
	}
	fmt.Printf("Hosting on %s — ctrl-c to end call\n", node.LocalAddr())

	return waitAndEnd(ctx, node)
}

func runJoin(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("usage: hyperzoom join <host:port>", exitFatalInit)
	}

	node, err := buildNode(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := node.Join(ctx, c.Args().First()); err != nil {
		if errors.Is(err, session.ErrJoinTimeout) || errors.Is(err, session.ErrSessionFull) {
			return cli.Exit(err.Error(), exitJoinFailed)
		}
		return startupError(err)
	}
	fmt.Printf("Joined via %s — ctrl-c to end call\n", node.LocalAddr())

	return waitAndEnd(ctx, node)
}

func startupError(err error) error {
	// Anything failing this early is an init failure: device, socket, disk.
	return cli.Exit(err.Error(), exitFatalInit)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func waitAndEnd(ctx context.Context, node *hyperzoom.Node) error {
	<-ctx.Done()
	fmt.Println("Ending call, finalizing recording...")

	done := make(chan error, 1)
	go func() { done <- node.End() }()

	select {
	case err := <-done:
		if err != nil {
			return cli.Exit(err.Error(), exitFinalizeErr)
		}
	case <-time.After(15 * time.Second):
		return cli.Exit("shutdown deadline exceeded", exitFinalizeErr)
	}
	return nil
}
