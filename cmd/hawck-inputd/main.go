// hawck-inputd - privileged input half of Hawck.
//
// The daemon grabs the configured keyboards, forwards whitelisted key codes
// to the macro daemon over its Unix socket, and re-emits the results (or the
// untouched originals) on a synthetic uinput keyboard. It is meant to run as
// the hawck-input service user, not as the desktop user.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"hawck-inputd/internal/comm"
	"hawck-inputd/internal/config"
	"hawck-inputd/internal/daemon"
	"hawck-inputd/internal/emitter"
	"hawck-inputd/internal/keyboard"
	"hawck-inputd/internal/logging"
	"hawck-inputd/internal/passthrough"
)

var version = "0.1.0"

// deviceList collects repeated --device flags.
type deviceList []string

func (d *deviceList) String() string { return strings.Join(*d, ",") }

func (d *deviceList) Set(value string) error {
	*d = append(*d, value)
	return nil
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to hawck-inputd.toml")
		devices     deviceList
		eventDelay  = flag.Int("event-delay", -1, "microseconds between synthetic writes (overrides config)")
		logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Var(&devices, "device", "keyboard device to grab (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hawck-inputd %s\n", version)
		return
	}

	if err := run(*configPath, devices, *eventDelay, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "hawck-inputd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, devices deviceList, eventDelay int, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(devices) > 0 {
		cfg.Input.Devices = devices
	}
	if eventDelay >= 0 {
		cfg.Emitter.EventDelayUs = eventDelay
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Input.Devices) == 0 {
		return fmt.Errorf("no keyboard devices configured; use --device or input.devices")
	}

	logCfg, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	logging.SetDefault(log)
	defer log.Close()

	em, err := emitter.New(emitter.Config{
		Path:       cfg.Emitter.UinputPath,
		EventDelay: cfg.EventDelay(),
		HighWater:  cfg.Emitter.HighWater,
	})
	if err != nil {
		return fmt.Errorf("synthetic keyboard: %w", err)
	}
	defer em.Close()

	peer, err := comm.Dial(cfg.Socket.Path)
	if err != nil {
		return fmt.Errorf("macro daemon: %w", err)
	}
	defer peer.Close()

	reg := passthrough.New(os.Getuid(), log)
	d := daemon.New(cfg, reg, em, peer, log)
	d.SetSyntheticName(emitter.DeviceName)

	opened := 0
	for _, path := range cfg.Input.Devices {
		dev, err := keyboard.OpenDevice(path)
		if err != nil {
			log.Error("cannot open keyboard", "path", path, "err", err)
			continue
		}
		if dev.Name() == emitter.DeviceName {
			log.Warn("skipping the synthetic keyboard", "path", path)
			dev.Disable()
			continue
		}
		log.Info("added keyboard", "path", path, "name", dev.Name(), "phys", dev.Phys())
		d.AddDevice(dev)
		opened++
	}
	if opened == 0 {
		return fmt.Errorf("none of the configured keyboards could be opened")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info("shutting down", "signal", s.String())
		sd.SdNotify(false, sd.SdNotifyStopping)
		d.Stop()
	}()

	// The expensive setup (uinput, socket, device opens) is done; the grabs
	// and watchers happen inside Run. Good enough for the unit's startup
	// timeout.
	sd.SdNotify(false, sd.SdNotifyReady)

	log.Info("starting event loop",
		"keyboards", opened,
		"keys_dir", cfg.Input.KeysDir,
		"socket", cfg.Socket.Path)
	return d.Run()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	const system = "/etc/hawck-inputd.toml"
	if _, err := os.Stat(system); err == nil {
		return config.Load(system)
	}
	return config.Default(), nil
}
