package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mast/pkg/api"
	"mast/pkg/config"
	"mast/pkg/drivers/covers"
	"mast/pkg/drivers/focuser"
	"mast/pkg/drivers/mount"
	"mast/pkg/drivers/stage"
	"mast/pkg/power"
	"mast/pkg/pwi"
	"mast/pkg/unit"
	"mast/templates"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("simulate") {
		cfg.Unit.Simulate = c.Bool("simulate")
	}
	if c.IsSet("unit") {
		cfg.Unit.ID = c.Int("unit")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log.Infof("MAST unit %d", cfg.Unit.ID)

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.WallClock
	var wg sync.WaitGroup

	sw, err := power.NewSwitch(db, cfg.Power.Sockets, clk, log.WithField("device", "power"))
	if err != nil {
		return fmt.Errorf("failed to create power switch: %v", err)
	}
	sw.SetSwitchDelay(cfg.Power.SwitchDelay)

	var ctl pwi.Controller
	if cfg.Unit.Simulate {
		ctl = pwi.NewSimulator(cfg.Simulator, sw, clk, log.WithField("component", "simulator"))
	} else {
		client, err := pwi.NewMQTTClient(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %v", err)
		}
		defer client.Disconnect(250)

		mc := pwi.NewMQTTController(client, cfg.MQTT, clk, log.WithField("component", "pwi"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mc.Run(ctx); err != nil {
				log.Errorf("PWI controller failed: %v", err)
			}
		}()
		ctl = mc
	}

	names := []string{cfg.Mount.Name, cfg.Stage.Name, cfg.Focuser.Name, cfg.Covers.Name}
	ids, err := unit.DeviceIDs(db, names)
	if err != nil {
		return fmt.Errorf("failed to load device ids: %v", err)
	}
	cfg.Mount.UniqueID = ids[cfg.Mount.Name]
	cfg.Stage.UniqueID = ids[cfg.Stage.Name]
	cfg.Focuser.UniqueID = ids[cfg.Focuser.Name]
	cfg.Covers.UniqueID = ids[cfg.Covers.Name]

	foc, err := focuser.New(cfg.Focuser, sw, ctl, db, clk, log.WithField("device", cfg.Focuser.Name))
	if err != nil {
		return fmt.Errorf("failed to create focuser: %v", err)
	}

	u, err := unit.New(cfg.Unit.ID, sw, ctl, []unit.Subsystem{
		mount.New(cfg.Mount, sw, ctl, clk, log.WithField("device", cfg.Mount.Name)),
		stage.New(cfg.Stage, sw, stage.SimulatedLink{}, clk, log.WithField("device", cfg.Stage.Name)),
		foc,
		covers.New(cfg.Covers, sw, ctl, clk, log.WithField("device", cfg.Covers.Name)),
	}, clk, log.WithField("component", "unit"))
	if err != nil {
		return fmt.Errorf("failed to create unit: %v", err)
	}
	u.Start(ctx)
	defer u.Stop()

	hostname, _ := os.Hostname()
	serverDesc := api.ServerDescription{
		Name:                u.Name(),
		Manufacturer:        "WIS",
		ManufacturerVersion: "1.0",
		Location:            hostname,
	}
	server := api.NewServer(serverDesc, u, tmpl, cfg.Server.StreamInterval, clk, log.WithField("component", "api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.AddRoutes(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", srv.Addr, err)
		}
	}()

	dr := api.NewDiscoveryResponder("0.0.0.0", cfg.Server.DiscoveryPort,
		api.DiscoveryReply{Port: cfg.Server.Port, Unit: u.Name()},
		log.WithField("component", "discovery"))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dr.Run(ctx); err != nil {
			log.Errorf("Discovery responder failed: %v", err)
		}
		log.Debug("Discovery responder stopped")
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "mast-unit",
		Usage: "MAST unit control server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML configuration file",
				EnvVars: []string{"MAST_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the state database",
				Value:   "mast.db",
				EnvVars: []string{"MAST_DB"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				EnvVars: []string{"MAST_PORT"},
			},
			&cli.IntFlag{
				Name:    "unit",
				Aliases: []string{"u"},
				Usage:   fmt.Sprintf("Unit number, 0 to %d", unit.MaxUnits),
				EnvVars: []string{"MAST_UNIT"},
			},
			&cli.BoolFlag{
				Name:    "simulate",
				Usage:   "Use the built-in PWI4 simulator instead of MQTT",
				EnvVars: []string{"MAST_SIMULATE"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
