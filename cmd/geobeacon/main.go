package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/spf13/viper"

	"nuha.dev/geobeacon/internal/channel"
	"nuha.dev/geobeacon/internal/channel/ble"
	"nuha.dev/geobeacon/internal/discovery"
	"nuha.dev/geobeacon/internal/manager"
	"nuha.dev/geobeacon/internal/model"
	"nuha.dev/geobeacon/internal/prefstore"
	"nuha.dev/geobeacon/internal/sensor"
	"nuha.dev/geobeacon/internal/sensor/nmeagps"
)

type config struct {
	PrefsPath      string        `mapstructure:"prefs_path" validate:"required"`
	Mode           string        `mapstructure:"mode" validate:"omitempty,oneof=bluetooth lan"`
	SubmitInterval time.Duration `mapstructure:"submit_interval" validate:"required"`
	GPSPort        string        `mapstructure:"gps_port"`
	GPSBaud        uint          `mapstructure:"gps_baud"`
	Latitude       float64       `mapstructure:"latitude" validate:"min=-90,max=90"`
	Longitude      float64       `mapstructure:"longitude" validate:"min=-180,max=180"`
}

func loadConfig() (config, error) {
	viper.SetConfigName("geobeacon")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/geobeacon")
	viper.SetEnvPrefix("geobeacon")
	viper.AutomaticEnv()
	viper.SetDefault("prefs_path", "prefs.yaml")
	viper.SetDefault("submit_interval", "30s")
	viper.SetDefault("gps_baud", 9600)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, err
		}
	}
	var cfg config
	if err := viper.Unmarshal(&cfg); err != nil {
		return config{}, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func main() {
	logger := log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.ConsoleWriter{ColorOutput: true},
	}
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("bad configuration")
	}

	provider := buildProvider(cfg, logger)
	store := prefstore.New(cfg.PrefsPath, logger)
	prefs, err := store.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("preferences unreadable")
	}

	// The stored peripheral address flows into the channel template so a
	// relaunch re-attaches without a fresh scan.
	mgr, err := manager.New(manager.Config{BLE: ble.Config{Peripheral: prefs.Peripheral}}, provider, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("manager init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	needSetup := !prefs.Onboarded ||
		cfg.Mode != "" && model.TransportMode(cfg.Mode) != prefs.Mode ||
		prefs.Mode == model.ModeBluetooth && prefs.Peripheral == ""
	if needSetup {
		prefs, err = runSetup(ctx, cfg, mgr, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("setup failed")
		}
		if err := store.Save(prefs); err != nil {
			logger.Fatal().Err(err).Msg("preferences not saved")
		}
	} else if err := mgr.Configure(prefs.Mode, prefs.Server); err != nil {
		logger.Fatal().Err(err).Msg("configure failed")
	}

	run(ctx, cfg, mgr, logger)

	mgr.Disconnect()
	st := mgr.Stats()
	logger.Info().Uint64("submissions", st.Submissions).Msg("stopped")
}

func buildProvider(cfg config, logger log.Logger) sensor.Provider {
	if cfg.GPSPort != "" {
		gps := nmeagps.New(nmeagps.Config{PortName: cfg.GPSPort, BaudRate: cfg.GPSBaud}, logger)
		go func() {
			if err := gps.Run(); err != nil {
				logger.Error().Err(err).Msg("gps receiver stopped")
			}
		}()
		return gps
	}
	return sensor.NewStatic(model.NewPosition(cfg.Latitude, cfg.Longitude, 50, 0, 0, 0, 0, "static"))
}

// runSetup discovers a transport target for the requested mode and leaves
// the manager configured for it. The returned preferences are ready to
// persist.
func runSetup(ctx context.Context, cfg config, mgr *manager.Manager, logger log.Logger) (prefstore.Preferences, error) {
	mode := model.TransportMode(cfg.Mode)
	if mode == "" {
		mode = model.ModeLAN
	}
	prefs := prefstore.Preferences{Onboarded: true, Mode: mode}

	switch mode {
	case model.ModeLAN:
		srv, err := discoverServer(ctx, logger)
		if err != nil {
			return prefstore.Preferences{}, err
		}
		prefs.Server = srv
		if err := mgr.Configure(model.ModeLAN, srv); err != nil {
			return prefstore.Preferences{}, err
		}
	case model.ModeBluetooth:
		if err := mgr.Configure(model.ModeBluetooth, nil); err != nil {
			return prefstore.Preferences{}, err
		}
		addr, err := scanPeripheral(ctx, logger)
		if err != nil {
			return prefstore.Preferences{}, err
		}
		mgr.BLE().SetPeripheral(addr)
		prefs.Peripheral = addr
	}
	return prefs, nil
}

func discoverServer(ctx context.Context, logger log.Logger) (*model.ServerInfo, error) {
	browser := discovery.New(discovery.Config{}, logger)
	found := make(chan model.ServerInfo, 1)
	browser.OnServerFound(func(s model.ServerInfo) {
		select {
		case found <- s:
		default:
		}
	})
	browser.StartBrowsing()
	defer browser.StopBrowsing()
	select {
	case s := <-found:
		logger.Info().Str("host", s.Host).Int("port", s.Port).Msg("server discovered")
		return &s, nil
	case <-time.After(30 * time.Second):
		return nil, errors.New("no server advertised on this network")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func scanPeripheral(ctx context.Context, logger log.Logger) (string, error) {
	scanner := ble.NewScanner(logger)
	found := make(chan ble.Peripheral, 1)
	scanner.OnFound(func(p ble.Peripheral) {
		select {
		case found <- p:
		default:
		}
	})
	scanner.Start()
	defer scanner.Stop()
	select {
	case p := <-found:
		logger.Info().Str("address", p.Address).Str("name", p.Name).Msg("peripheral discovered")
		return p.Address, nil
	case <-time.After(30 * time.Second):
		return "", errors.New("no peripheral in range")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run keeps the channel connected and submits on the configured cadence
// until the context is canceled.
func run(ctx context.Context, cfg config, mgr *manager.Manager, logger log.Logger) {
	ticker := time.NewTicker(cfg.SubmitInterval)
	defer ticker.Stop()

	connect := func() {
		if mgr.State().Status == channel.Connected {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := mgr.Connect(cctx); err != nil {
			logger.Warn().Err(err).Msg("connect failed, will retry")
		}
	}
	connect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connect()
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := mgr.Submit(sctx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("submit failed")
			}
		}
	}
}
