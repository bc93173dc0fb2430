// Seeds or downloads files shared through a ledger tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"golang.org/x/time/rate"

	"github.com/anacrolix/chunkledger"
)

type SeedCmd struct {
	Description string `default:"none" help:"one-word description registered with the tracker"`
	PeerIndex   int    `default:"1" help:"1-based position among the seeders, selecting the segments advertised"`
	NumSeeders  int    `default:"5" help:"seeders sharing the advertising"`
	Mmap        bool   `help:"memory-map seeded file data"`
	Path        string `arg:"positional,required" help:"file to seed"`
}

type DownloadCmd struct {
	DownloadRate *tagflag.Bytes `help:"max bytes per second down from peers"`
	Filename     string         `arg:"positional,required" help:"shared filename as listed by the tracker"`
}

type ListCmd struct{}

var flags struct {
	Config     string         `default:"client.conf" help:"positional config: server port, max peers, chunk size, interval seconds"`
	Tracker    string         `default:"localhost" help:"tracker host"`
	ListenHost string         `help:"address to accept peer connections on"`
	Port       int            `help:"port to accept peer connections on"`
	PublicIP   string         `help:"address advertised to other peers"`
	ChunkSize  *tagflag.Bytes `help:"override the configured chunk size"`
	Interval   *time.Duration `help:"override the configured update interval"`
	DataDir    string         `default:"." help:"where downloads are written"`
	LedgerDir  string         `default:"ledgers" help:"where copies of ledgers are kept"`
	Debug      bool

	*SeedCmd     `arg:"subcommand:seed"`
	*DownloadCmd `arg:"subcommand:download"`
	*ListCmd     `arg:"subcommand:list"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	cfg := chunkledger.NewDefaultClientConfig()
	if !flags.Debug {
		cfg.Logger = cfg.Logger.FilterLevel(log.Info)
	}
	if err := chunkledger.LoadConfigFile(flags.Config, cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.TrackerHost = flags.Tracker
	cfg.ListenHost = flags.ListenHost
	cfg.ListenPort = flags.Port
	cfg.DataDir = flags.DataDir
	cfg.LedgerDir = flags.LedgerDir
	if flags.PublicIP != "" {
		cfg.PublicIP = g.Some(flags.PublicIP)
	}
	if flags.ChunkSize != nil {
		cfg.ChunkSize = flags.ChunkSize.Int64()
	}
	if flags.Interval != nil {
		cfg.UpdateInterval = *flags.Interval
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	switch {
	case flags.SeedCmd != nil:
		cfg.PeerIndex = flags.SeedCmd.PeerIndex
		cfg.NumSeeders = flags.SeedCmd.NumSeeders
		cfg.Mmap = flags.SeedCmd.Mmap
		return seed(ctx, cfg)
	case flags.DownloadCmd != nil:
		if flags.DownloadRate != nil {
			cfg.DownloadRateLimiter = rate.NewLimiter(rate.Limit(*flags.DownloadRate), 1<<20)
		}
		return download(ctx, cfg)
	case flags.ListCmd != nil:
		return list(ctx, cfg)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func seed(ctx context.Context, cfg *chunkledger.ClientConfig) error {
	cl, err := chunkledger.NewClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()
	err = cl.Seed(ctx, flags.SeedCmd.Path, flags.SeedCmd.Description)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func download(ctx context.Context, cfg *chunkledger.ClientConfig) error {
	cl, err := chunkledger.NewClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()
	path, err := cl.Download(ctx, flags.DownloadCmd.Filename)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func list(ctx context.Context, cfg *chunkledger.ClientConfig) error {
	cl, err := chunkledger.NewClient(cfg)
	if err != nil {
		return err
	}
	defer cl.Close()
	entries, err := cl.Tracker().List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%d\t%s\t%d\t%s\n", e.Index, e.Filename, e.Filesize, e.Digest)
	}
	return nil
}
