package chunkledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
)

func writeConfig(t *testing.T, contents string) string {
	p := filepath.Join(t.TempDir(), "client.conf")
	qt.Assert(t, qt.IsNil(os.WriteFile(p, []byte(contents), 0o644)))
	return p
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := NewDefaultClientConfig()
	qt.Check(t, qt.Equals(cfg.ServerPort, 3456))
	qt.Check(t, qt.Equals(cfg.MaxPeers, 5))
	qt.Check(t, qt.Equals(cfg.ChunkSize, int64(1024)))
	qt.Check(t, qt.Equals(cfg.UpdateInterval, 900*time.Second))
	qt.Check(t, qt.Equals(cfg.TrackerAddr(), "localhost:3456"))
}

func TestLoadConfigFilePositional(t *testing.T) {
	cfg := NewDefaultClientConfig()
	qt.Assert(t, qt.IsNil(LoadConfigFile(writeConfig(t, "4000\n\n8\n512\r\n60\n"), cfg)))
	qt.Check(t, qt.Equals(cfg.ServerPort, 4000))
	qt.Check(t, qt.Equals(cfg.MaxPeers, 8))
	qt.Check(t, qt.Equals(cfg.ChunkSize, int64(512)))
	qt.Check(t, qt.Equals(cfg.UpdateInterval, time.Minute))
}

func TestLoadConfigFilePartial(t *testing.T) {
	cfg := NewDefaultClientConfig()
	qt.Assert(t, qt.IsNil(LoadConfigFile(writeConfig(t, "4000\n3\n"), cfg)))
	qt.Check(t, qt.Equals(cfg.ServerPort, 4000))
	qt.Check(t, qt.Equals(cfg.MaxPeers, 3))
	qt.Check(t, qt.Equals(cfg.ChunkSize, int64(1024)))
}

func TestLoadConfigFileMissing(t *testing.T) {
	cfg := NewDefaultClientConfig()
	qt.Assert(t, qt.IsNil(LoadConfigFile(filepath.Join(t.TempDir(), "nope.conf"), cfg)))
	qt.Check(t, qt.DeepEquals(cfg.ServerPort, NewDefaultClientConfig().ServerPort))
}

func TestLoadConfigFileBad(t *testing.T) {
	cfg := NewDefaultClientConfig()
	err := LoadConfigFile(writeConfig(t, "4000\nlots\n"), cfg)
	qt.Check(t, qt.ErrorMatches(err, `.*client.conf:2: parsing max peers: .*`))
	err = LoadConfigFile(writeConfig(t, "4000\n0\n"), NewDefaultClientConfig())
	qt.Check(t, qt.IsNotNil(err))
}
