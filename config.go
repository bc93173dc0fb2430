package chunkledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/anacrolix/chunkledger/tracker"
)

// Probably not safe to modify this after it's given to a Client.
type ClientConfig struct {
	// Host of the tracker. The port comes from ServerPort.
	TrackerHost string
	ServerPort  int
	// Address to accept direct peer connections on when seeding. A ListenPort of 0 picks a free
	// port.
	ListenHost string
	ListenPort int
	// Connections served at once when seeding, and chunk fetches in flight when downloading.
	MaxPeers  int
	ChunkSize int64
	// Time between advertising segments when seeding, and between rounds and listing polls when
	// downloading.
	UpdateInterval time.Duration
	// The address advertised to other peers. If unset, it's the local address used to reach the
	// tracker.
	PublicIP g.Option[string]
	// 1-based position of this seeder among NumSeeders, which determines the segments it
	// advertises.
	PeerIndex  int
	NumSeeders int
	// Downloads are written here.
	DataDir string
	// Copies of ledgers fetched from the tracker are kept here.
	LedgerDir string
	// Read seeded files through a memory map.
	Mmap bool
	// Each token is one byte of chunk data read from peers. The burst must be nonzero unless the
	// limit is Inf.
	DownloadRateLimiter *rate.Limiter
	// Defaults to a net.Dialer. Used for the tracker and peers.
	Dialer tracker.Dialer
	Logger log.Logger
}

func (cfg *ClientConfig) TrackerAddr() string {
	return net.JoinHostPort(cfg.TrackerHost, strconv.Itoa(cfg.ServerPort))
}

func (cfg *ClientConfig) ListenAddr() string {
	return net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		TrackerHost:         "localhost",
		ServerPort:          3456,
		MaxPeers:            5,
		ChunkSize:           1024,
		UpdateInterval:      900 * time.Second,
		PeerIndex:           1,
		NumSeeders:          5,
		DataDir:             ".",
		LedgerDir:           "ledgers",
		DownloadRateLimiter: rate.NewLimiter(rate.Inf, 0),
		Logger:              log.Default.WithNames("chunkledger"),
	}
}

func (cfg *ClientConfig) validate() error {
	switch {
	case cfg.MaxPeers < 1:
		return fmt.Errorf("max peers must be positive, got %v", cfg.MaxPeers)
	case cfg.ChunkSize < 1:
		return fmt.Errorf("chunk size must be positive, got %v", cfg.ChunkSize)
	case cfg.UpdateInterval <= 0:
		return fmt.Errorf("update interval must be positive, got %v", cfg.UpdateInterval)
	}
	return nil
}

// LoadConfigFile reads the positional client config: server port, max peers, chunk size in
// bytes, and update interval in seconds, one per line. Values missing from the end of the file
// keep their current settings. A missing file leaves cfg unchanged.
func LoadConfigFile(path string, cfg *ClientConfig) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg.Logger.Levelf(log.Warning, "config file %q doesn't exist, using defaults", path)
		return nil
	}
	if err != nil {
		return err
	}
	var intervalSecs int64
	fields := []struct {
		name  string
		parse func(string) error
	}{
		{"server port", intParser(&cfg.ServerPort)},
		{"max peers", intParser(&cfg.MaxPeers)},
		{"chunk size", int64Parser(&cfg.ChunkSize)},
		{"update interval", func(s string) (err error) {
			intervalSecs, err = strconv.ParseInt(s, 10, 64)
			if err == nil {
				cfg.UpdateInterval = time.Duration(intervalSecs) * time.Second
			}
			return
		}},
	}
	s := bufio.NewScanner(bytes.NewReader(b))
	lineNum := 0
	for _, f := range fields {
		var line string
		for line == "" && s.Scan() {
			lineNum++
			line = strings.TrimSpace(s.Text())
		}
		if line == "" {
			break
		}
		if err := f.parse(line); err != nil {
			return fmt.Errorf("%s:%d: parsing %s: %w", path, lineNum, f.name, err)
		}
	}
	if err := s.Err(); err != nil {
		return err
	}
	return cfg.validate()
}

func intParser(p *int) func(string) error {
	return func(s string) (err error) {
		*p, err = strconv.Atoi(s)
		return
	}
}

func int64Parser(p *int64) func(string) error {
	return func(s string) (err error) {
		*p, err = strconv.ParseInt(s, 10, 64)
		return
	}
}
