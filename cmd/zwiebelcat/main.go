// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// zwiebelcat is a netcat-alike that talks through an onion circuit: it
// dials the first relay in the list, extends hop by hop down the rest,
// opens a stream to the target, and pipes stdin/stdout through it.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zwiebel/channel"
	"github.com/katzenpost/zwiebel/circuit"
	"github.com/katzenpost/zwiebel/common"
	"github.com/katzenpost/zwiebel/config"
	"github.com/katzenpost/zwiebel/internal/instrument"
	"github.com/katzenpost/zwiebel/internal/profiling"
	"github.com/katzenpost/zwiebel/log"
	"github.com/katzenpost/zwiebel/relay"
	"github.com/katzenpost/zwiebel/transport"
)

// Flags holds the command line configuration.
type Flags struct {
	ConfigFile string
	RelayList  string
	Target     string
	Resolve    string
	Fast       bool
	QUIC       bool
}

func newRootCommand() *cobra.Command {
	var f Flags

	cmd := &cobra.Command{
		Use:   "zwiebelcat",
		Short: "Pipe stdin/stdout through an onion circuit",
		Long: `zwiebelcat builds a circuit through the relays in the relay list, opens a
stream to the target through the final hop, and then behaves like netcat:
stdin is relayed to the target and whatever the target sends back is
written to stdout.

The first relay in the list is dialed directly (or through the configured
upstream proxy); every further relay becomes one more hop.`,
		Example: `  # One hop, CREATE_FAST, fetch a page
  echo -en "GET / HTTP/1.0\r\n\r\n" | zwiebelcat -r relays.toml -t example.com:80 --fast

  # Three hops over QUIC with a config file
  zwiebelcat -c zwiebel.toml -r relays.toml -t example.com:443 --quic

  # Resolve a name through the exit instead of opening a stream
  zwiebelcat -r relays.toml --resolve example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Target == "" && f.Resolve == "" {
				return fmt.Errorf("a target or a name to resolve must be specified")
			}
			return run(&f)
		},
	}

	cmd.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "configuration file")
	cmd.Flags().StringVarP(&f.RelayList, "relays", "r", "", "relay list file, first entry is the entry hop")
	cmd.Flags().StringVarP(&f.Target, "target", "t", "", "target address (host:port)")
	cmd.Flags().StringVar(&f.Resolve, "resolve", "", "resolve a hostname through the exit and print the addresses")
	cmd.Flags().BoolVar(&f.Fast, "fast", false, "use the unauthenticated CREATE_FAST handshake for the first hop")
	cmd.Flags().BoolVar(&f.QUIC, "quic", false, "connect to the first relay over QUIC instead of TCP")
	cmd.MarkFlagRequired("relays")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := new(config.Config)
		if err := cfg.FixupAndValidate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return cfg, nil
}

func run(f *Flags) error {
	cfg, err := loadConfig(f.ConfigFile)
	if err != nil {
		return err
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	cliLog := logBackend.GetLogger("zwiebelcat")

	if err := profiling.Start(cliLog); err != nil {
		return err
	}
	if !cfg.Metrics.Disable {
		instrument.Init(cfg.Metrics.Address)
	}

	list, err := relay.LoadListFile(f.RelayList)
	if err != nil {
		return fmt.Errorf("failed to load relay list: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dialEntry(ctx, cfg, f, list.Relays[0])
	if err != nil {
		return err
	}

	ch, err := channel.New(ctx, conn, &channel.Config{
		LogBackend:       logBackend,
		HandshakeTimeout: cfg.Timeouts.HandshakeDuration(),
		DefaultTimeout:   cfg.Timeouts.StreamDuration(),
		OnClosedFn: func(err error) {
			cliLog.Noticef("Channel closed: %v", err)
		},
	})
	if err != nil {
		return err
	}
	defer ch.Close()
	cliLog.Noticef("Link established to %v (version %d).", ch.RemoteAddr(), ch.LinkVersion())

	circ, err := buildCircuit(ctx, cfg, f, ch, list)
	if err != nil {
		return err
	}
	defer circ.Close()
	cliLog.Noticef("Circuit %d open with %d hops.", circ.ID(), circ.Hops())

	if f.Resolve != "" {
		return resolve(ctx, cfg, circ, f.Resolve)
	}

	streamCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.StreamDuration())
	s, err := circ.Begin(streamCtx, f.Target)
	cancel()
	if err != nil {
		return err
	}
	cliLog.Noticef("Stream %d open to %s.", s.ID(), f.Target)

	return pipe(ctx, cliLog, s)
}

func dialEntry(ctx context.Context, cfg *config.Config, f *Flags, entry *relay.Descriptor) (net.Conn, error) {
	addr := entry.Addresses[0]
	if f.QUIC {
		if !cfg.UpstreamProxy.IsNone() {
			return nil, fmt.Errorf("the upstream proxy cannot carry QUIC")
		}
		return transport.DialQUIC(ctx, addr, nil)
	}
	return transport.Dial(ctx, &transport.Config{
		Address: addr,
		Proxy:   cfg.UpstreamProxy,
	})
}

func buildCircuit(ctx context.Context, cfg *config.Config, f *Flags, ch *channel.Channel, list *relay.List) (*circuit.Circuit, error) {
	hopCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.ExtendDuration())
	var circ *circuit.Circuit
	var err error
	if f.Fast {
		circ, err = ch.OpenCircuitFast(hopCtx)
	} else {
		circ, err = ch.OpenCircuit(hopCtx, list.Relays[0])
	}
	cancel()
	if err != nil {
		return nil, err
	}

	for _, desc := range list.Relays[1:] {
		hopCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.ExtendDuration())
		err := circ.Extend(hopCtx, desc)
		cancel()
		if err != nil {
			circ.Close()
			return nil, err
		}
	}
	return circ, nil
}

func resolve(ctx context.Context, cfg *config.Config, circ *circuit.Circuit, name string) error {
	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.StreamDuration())
	defer cancel()

	addrs, err := circ.Resolve(opCtx, name)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Println(a)
	}
	return nil
}

// pipe shuttles bytes between the terminal and the stream, netcat style:
// stdin EOF half-closes the stream, output continues until the peer
// finishes or the user interrupts.
func pipe(ctx context.Context, cliLog *logging.Logger, s *circuit.Stream) error {
	go func() {
		if _, err := io.Copy(s, os.Stdin); err != nil {
			cliLog.Debugf("Uplink: %v", err)
			return
		}
		if err := s.CloseWrite(); err != nil {
			cliLog.Debugf("Uplink half-close: %v", err)
		}
	}()

	downErrCh := make(chan error, 1)
	go func() {
		_, err := io.Copy(os.Stdout, s)
		downErrCh <- err
	}()

	select {
	case err := <-downErrCh:
		// The peer finished or the circuit died; nothing more will arrive.
		return err
	case <-ctx.Done():
		cliLog.Notice("Interrupted.")
		return s.Close()
	}
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
