// Package prefstore persists the small set of user choices that must
// survive a restart: whether setup completed, the chosen transport mode,
// and the selected LAN server.
package prefstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/phuslu/log"
	"github.com/spf13/viper"

	"nuha.dev/geobeacon/internal/model"
)

// Preferences is everything the store holds.
type Preferences struct {
	Onboarded bool
	Mode      model.TransportMode
	Server    *model.ServerInfo
	// Peripheral is the address of the bluetooth peripheral chosen during
	// setup, kept so a relaunch re-attaches without a fresh scan.
	Peripheral string
}

// Store reads and writes one preferences file.
type Store struct {
	path string
	log  log.Logger
}

// New builds a store backed by the file at path. The file need not exist
// yet.
func New(path string, logger log.Logger) *Store {
	s := &Store{path: path}
	s.log = logger
	s.log.Context = log.NewContext(nil).Str("module", "prefstore").Value()
	return s
}

// Load reads the preferences file. A missing file is not an error and
// yields zero preferences, so first launch lands in setup.
func (s *Store) Load() (Preferences, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Preferences{}, nil
		}
		return Preferences{}, fmt.Errorf("read preferences: %w", err)
	}
	p := Preferences{
		Onboarded:  v.GetBool("onboarded"),
		Mode:       model.TransportMode(v.GetString("mode")),
		Peripheral: v.GetString("peripheral"),
	}
	if v.IsSet("server.host") {
		p.Server = &model.ServerInfo{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			Fingerprint: v.GetString("server.fingerprint"),
			Version:     v.GetString("server.version"),
			Paths:       v.GetStringSlice("server.paths"),
		}
	}
	return p, nil
}

// Save writes the preferences file, replacing any previous contents. The
// directory is created on demand.
func (s *Store) Save(p Preferences) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	v.Set("onboarded", p.Onboarded)
	v.Set("mode", string(p.Mode))
	if p.Peripheral != "" {
		v.Set("peripheral", p.Peripheral)
	}
	if p.Server != nil {
		v.Set("server.host", p.Server.Host)
		v.Set("server.port", p.Server.Port)
		v.Set("server.fingerprint", p.Server.Fingerprint)
		v.Set("server.version", p.Server.Version)
		v.Set("server.paths", p.Server.Paths)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	s.log.Info().Str("path", s.path).Msg("preferences saved")
	return nil
}
