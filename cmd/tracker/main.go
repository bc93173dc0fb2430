// Runs a ledger tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/chunkledger"
	"github.com/anacrolix/chunkledger/connections"
	"github.com/anacrolix/chunkledger/tracker/server"
	"github.com/anacrolix/chunkledger/tracker/store"
)

var flags struct {
	Config      string        `help:"client config file: port, max peers, frame size"`
	Addr        string        `help:"listen address, overriding the configured port"`
	Dir         string        `default:"tracker-files" help:"directory of tracker files"`
	FrameSize   tagflag.Bytes `help:"size of writes for GET replies, overriding the configured chunk size"`
	MetricsAddr string        `help:"serve prometheus metrics at /metrics on this address"`
	Debug       bool
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	arg.MustParse(&flags)
	logger := log.Default.WithNames("tracker")
	if !flags.Debug {
		logger = logger.FilterLevel(log.Info)
	}
	cfg := chunkledger.NewDefaultClientConfig()
	cfg.Logger = logger
	if flags.Config != "" {
		if err := chunkledger.LoadConfigFile(flags.Config, cfg); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	addr := flags.Addr
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(cfg.ServerPort))
	}
	st, err := store.New(flags.Dir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	st.Logger = logger.WithNames("store")
	s := server.New(st)
	s.Logger = logger
	s.FrameSize = int(cfg.ChunkSize)
	if flags.FrameSize != 0 {
		s.FrameSize = int(flags.FrameSize.Int64())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(flags.MetricsAddr, mux)
			logger.Levelf(log.Error, "serving metrics: %v", err)
		}()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slots := connections.NewManager(cfg.MaxPeers)
	slots.Logger = logger.WithNames("slots")
	logger.Levelf(log.Info, "serving %q on %v with %v slots", flags.Dir, l.Addr(), cfg.MaxPeers)
	err = s.Serve(ctx, l, slots)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
