// Command stservo talks to Feetech/Waveshare STS servos on a serial bus.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kaidokert/waveshare-stservo-go/internal/config"
	"github.com/kaidokert/waveshare-stservo-go/internal/logging"
	"github.com/kaidokert/waveshare-stservo-go/internal/trace"
	"github.com/kaidokert/waveshare-stservo-go/stservo"
	"github.com/kaidokert/waveshare-stservo-go/stservo/stservotest"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string
	simulate   []int

	cfg      *config.Config
	logger   *zap.Logger
	regs     stservo.RegisterMap
	recorder *trace.Recorder
	ctl      *stservo.Controller
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{v: config.New()}
	if err := a.execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// execute runs one command line and releases the bus, capture file and log
// sink whether or not the command failed.
func (a *app) execute(ctx context.Context, args []string, out io.Writer) error {
	defer a.teardown()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "stservo",
		Short:         "Inspect and drive STS serial bus servos",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./stservo.yaml)")
	flags.StringP("port", "p", "", "serial device path")
	flags.IntP("baud", "b", 0, "baud rate")
	flags.String("protocol", "", "protocol: sts or scs")
	flags.Duration("latency", 0, "adapter latency timer")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("capture", "", "record bus traffic to this CBOR file")
	flags.IntSliceVar(&a.simulate, "simulate", nil, "use a simulated bus with servos at these ids")

	bind := map[string]string{
		"port.path":          "port",
		"port.baud_rate":     "baud",
		"port.protocol":      "protocol",
		"port.latency_timer": "latency",
		"logging.level":      "log-level",
		"capture.file":       "capture",
	}
	for key, flag := range bind {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.portsCommand(),
		a.pingCommand(),
		a.scanCommand(),
		a.readCommand(),
		a.writeCommand(),
		a.torqueCommand(),
		a.moveCommand(),
		a.syncReadCommand(),
		a.syncWriteCommand(),
		a.setIDCommand(),
		a.consoleCommand(),
		a.traceCommand(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	a.regs = stservo.DefaultRegisterMap()
	if cfg.Registers.File != "" {
		data, err := os.ReadFile(cfg.Registers.File)
		if err != nil {
			return fmt.Errorf("read register map: %w", err)
		}
		if a.regs, err = stservo.ParseRegisterMap(data); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) teardown() {
	if a.ctl != nil {
		a.ctl.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Err(); err != nil {
			a.logger.Warn("Capture incomplete", zap.Error(err))
		}
		a.recorder.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// controller opens the bus on first use.
func (a *app) controller() (*stservo.Controller, error) {
	if a.ctl != nil {
		return a.ctl, nil
	}

	portCfg := stservo.PortConfig{
		BaudRate:     a.cfg.Port.BaudRate,
		LatencyTimer: a.cfg.Port.LatencyTimer,
		Logger:       a.logger,
	}

	if a.cfg.Capture.File != "" {
		rec, err := trace.Create(a.cfg.Capture.File)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		a.recorder = rec
		portCfg.Tracer = rec
	}

	path := a.cfg.Port.Path
	if len(a.simulate) > 0 {
		sim := stservotest.NewBus()
		for _, id := range a.simulate {
			sim.AddServo(id, stservo.ModelSTS3215.Number).Step = 64
		}
		portCfg.Opener = sim.Open
		path = "simulated"
	}

	port := stservo.NewPort(portCfg)
	if err := port.Open(path); err != nil {
		return nil, err
	}

	a.ctl = stservo.NewController(port, stservo.ControllerConfig{
		Protocol: a.cfg.ProtocolVersion(),
		Logger:   a.logger,
	})
	return a.ctl, nil
}

func (a *app) stableConfig() stservo.StableConfig {
	return stservo.StableConfig{
		PollInterval: a.cfg.Motion.PollInterval,
		Window:       a.cfg.Motion.StableWindow,
		Settle:       a.cfg.Motion.Settle,
		Timeout:      a.cfg.Motion.Timeout,
		Logger:       a.logger,
	}
}
