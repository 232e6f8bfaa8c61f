package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/ble/protocol"
	"github.com/chaz8081/blelink/internal/config"
)

// These values are set at compile-time.
var (
	Version  = "dev"
	Revision = ""
)

// errReceiveEnded stops the send command's errgroup once the receive loop
// is over.
var errReceiveEnded = errors.New("receive ended")

// newApp returns a new commandline application.
func newApp() *cli.App {
	return &cli.App{
		Name:                 "blelink",
		Usage:                "Talk to an FE60 BLE peripheral.",
		Version:              Version + " (" + Revision + ")",
		Description:          "Finds a peripheral by advertised name and MAC, connects, and exchanges hex frames.",
		EnableBashCompletion: true,
		Suggest:              true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"BLELINK_CONFIG"},
				Usage:   "Path to config file. (default: ~/.config/blelink/config.yaml)",
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				EnvVars: []string{"BLELINK_TARGET_NAME"},
				Usage:   "Advertised name of the peripheral.",
			},
			&cli.StringFlag{
				Name:    "mac",
				Aliases: []string{"m"},
				EnvVars: []string{"BLELINK_TARGET_MAC"},
				Usage:   "MAC address of the peripheral. (For example, 'AA:BB:CC:DD:EE:FF')",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				EnvVars: []string{"BLELINK_TIMEOUT"},
				Usage:   "Discovery timeout; 0 scans until interrupted.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"BLELINK_LOG_LEVEL"},
				Usage:   "One of debug, info, warn, error.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write the default configuration file.",
				Action: initAction,
			},
			{
				Name:   "find",
				Usage:  "Discover the peripheral and print its device ID.",
				Action: findAction,
			},
			{
				Name:      "send",
				Usage:     "Connect, send a hex frame and print notified frames as hex.",
				ArgsUsage: "[HEX]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "hex",
						Usage: "Frame to send, as hex. Overrides the argument.",
					},
					&cli.IntFlag{
						Name:  "count",
						Value: 1,
						Usage: "Frames to wait for before exiting; 0 waits until interrupted.",
					},
				},
				Action: sendAction,
			},
			{
				Name:  "read",
				Usage: "Connect and read a characteristic once.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "char",
						Usage: "Characteristic UUID to read. (default: link.notify_uuid)",
					},
				},
				Action: readAction,
			},
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
			switch {
			case errors.Is(err, ble.ErrAuthorizationRequired):
				printWarn("Bluetooth scanning is not permitted; grant this process Bluetooth access and retry")
			case errors.Is(err, ble.ErrAdapterUnavailable):
				printWarn("is Bluetooth turned on?")
			case errors.Is(err, config.ErrNoTarget):
				printWarn("set the target in the config file or with --name and --mac")
			}
		},
	}
}

func initAction(_ *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		printWarn("config file already exists at " + config.DefaultConfigPath())
		return nil
	}
	printInfo("wrote " + path)
	return nil
}

func findAction(cCtx *cli.Context) error {
	client, _, err := openClient(cCtx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := client.Find(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, id)
	return nil
}

func sendAction(cCtx *cli.Context) error {
	frame := cCtx.String("hex")
	if frame == "" {
		frame = cCtx.Args().First()
	}
	if frame == "" {
		return errors.New("no frame given; pass HEX or --hex")
	}
	if _, err := protocol.HexToBytes(frame); err != nil {
		return err
	}
	count := cCtx.Int("count")

	client, _, err := openClient(cCtx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	printInfo(fmt.Sprintf("connected to %s (mtu %d)", conn.DeviceID, conn.MTU))

	if err := client.SendHex(frame); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	received := 0
	g.Go(func() error {
		for f := range client.ReceiveHex(gctx) {
			fmt.Fprintln(cCtx.App.Writer, f)
			received++
			if count > 0 && received >= count {
				break
			}
		}
		return errReceiveEnded
	})
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	if errors.Is(err, errReceiveEnded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	if count > 0 && received < count && client.Link().State() == ble.LinkClosed {
		printWarn("link closed before all frames arrived")
	}
	return err
}

func readAction(cCtx *cli.Context) error {
	client, cfg, err := openClient(cCtx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := client.Connect(ctx); err != nil {
		return err
	}

	char := cCtx.String("char")
	if char == "" {
		char = cfg.Link.NotifyUUID
	}
	value, err := client.Read(char)
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, protocol.BytesToHex(value))
	return nil
}

// openClient loads the configuration, applies flag overrides and opens a
// client on the system adapter.
func openClient(cCtx *cli.Context) (*ble.Client, *config.Config, error) {
	cfg, err := loadConfig(cCtx.String("config"))
	if err != nil {
		return nil, nil, err
	}

	if v := cCtx.String("name"); v != "" {
		cfg.Target.Name = v
	}
	if v := cCtx.String("mac"); v != "" {
		cfg.Target.MAC = v
	}
	if cCtx.IsSet("timeout") {
		cfg.Discovery.TimeoutMs = int(cCtx.Duration("timeout").Milliseconds())
	}
	if v := cCtx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}
	if err := cfg.RequireTarget(); err != nil {
		return nil, nil, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	target, err := ble.NewTarget(cfg.Target.Name, cfg.Target.MAC)
	if err != nil {
		return nil, nil, err
	}

	client := ble.NewClient(ble.NewTinyGoPlatform(), target, ble.ClientOptions{
		DiscoveryTimeout: cfg.DiscoveryTimeout(),
		Link: ble.LinkOptions{
			ServiceUUID:            cfg.Link.ServiceUUID,
			WriteCharacteristicID:  cfg.Link.WriteUUID,
			NotifyCharacteristicID: cfg.Link.NotifyUUID,
			MTU:                    cfg.Link.MTU,
			FixedMTU:               cfg.Link.FixedMTU,
			ChunkDelay:             cfg.ChunkDelay(),
		},
	})
	if err := client.Open(); err != nil {
		return nil, nil, err
	}
	slog.Debug("[BLE] looking for target", "target", target.String(), "timeout", cfg.DiscoveryTimeout())
	return client, cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}
