// Command uio-irq maps a UIO device, reads its IP UID register and services
// its interrupt.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ehrlich-b/go-uio"
	"github.com/ehrlich-b/go-uio/internal/logging"
)

func main() {
	var (
		devPath     = flag.String("dev", "/dev/uio0", "UIO device node")
		sizeStr     = flag.String("size", "0x1000", "Size of the register window to map (e.g. 0x1000, 4096)")
		mapIndex    = flag.Int("map", 0, "UIO memory window (mapN) to map")
		uidStr      = flag.String("uid-offset", "0x8", "Offset of the IP UID register, empty to skip")
		irq         = flag.Bool("irq", false, "Run one interrupt cycle")
		loop        = flag.Bool("loop", false, "Keep servicing interrupts until interrupted")
		timeout     = flag.Duration("timeout", uio.DefaultIRQTimeout, "Interrupt wait timeout (negative waits forever)")
		interactive = flag.Bool("interactive", false, "Quit on 'q' from the terminal")
		jsonOut     = flag.Bool("json", false, "JSON log and summary output")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseHex(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	if *jsonOut {
		logConfig.Format = "json"
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *interactive {
		restore, err := watchQuitKey(stop)
		if err != nil {
			logger.Warn("interactive mode unavailable", "error", err)
		} else {
			defer restore()
			fmt.Fprintf(os.Stderr, "Press q to quit\r\n")
		}
	}

	if err := run(ctx, logger, config{
		devPath:  *devPath,
		size:     int(size),
		mapIndex: *mapIndex,
		uidStr:   *uidStr,
		irq:      *irq,
		loop:     *loop,
		timeout:  *timeout,
		json:     *jsonOut,
	}); err != nil {
		logger.ErrorContext(ctx, "uio-irq failed", "error", err)
		os.Exit(1)
	}
}

type config struct {
	devPath  string
	size     int
	mapIndex int
	uidStr   string
	irq      bool
	loop     bool
	timeout  time.Duration
	json     bool
}

func run(ctx context.Context, logger *logging.Logger, cfg config) error {
	if desc, err := uio.Describe(cfg.devPath); err == nil {
		logger.Info("found device", "name", desc.Name, "version", desc.Version, "maps", len(desc.Maps), "event", desc.Event)
	} else {
		logger.Debug("sysfs description unavailable", "error", err)
	}

	dev, err := uio.Open(cfg.devPath, &uio.Options{Logger: logger, MapIndex: cfg.mapIndex})
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Error("error closing device", "error", err)
		}
	}()

	if err := dev.Map(cfg.size); err != nil {
		return err
	}
	logger.Info("register window mapped", "size", fmt.Sprintf("0x%x", cfg.size))

	if cfg.uidStr != "" {
		off, err := parseHex(cfg.uidStr)
		if err != nil {
			return fmt.Errorf("invalid uid offset '%s': %w", cfg.uidStr, err)
		}
		uid, err := dev.ReadRegister(uint32(off))
		if err != nil {
			return err
		}
		fmt.Printf("IP UID: 0x%08x\r\n", uid)
	}

	coord := uio.NewCoordinator(dev, uio.DefaultCoordinatorConfig())

	switch {
	case cfg.loop:
		logger.InfoContext(ctx, "servicing interrupts", "timeout", cfg.timeout.String())
		err = coord.Run(ctx, cfg.timeout, func(res uio.IRQResult) error {
			report(res, cfg.json)
			return nil
		})
	case cfg.irq:
		var res uio.IRQResult
		res, err = coord.Cycle(ctx, cfg.timeout)
		if err == nil {
			report(res, cfg.json)
		} else if errors.Is(err, context.Canceled) {
			err = nil
		}
	default:
		if cfg.uidStr == "" {
			// hold the mapping until asked to quit
			<-ctx.Done()
		}
	}
	if err != nil {
		return err
	}

	summary(dev, cfg.json)
	return nil
}

func report(res uio.IRQResult, asJSON bool) {
	if asJSON {
		b, _ := json.Marshal(res)
		fmt.Printf("%s\r\n", b)
		return
	}
	switch res.Outcome {
	case uio.Delivered:
		fmt.Printf("Interrupt %d after %s\r\n", res.Seq, res.Latency.Round(time.Microsecond))
	case uio.TimedOut:
		fmt.Printf("No interrupt within %s\r\n", res.Latency.Round(time.Millisecond))
	}
}

func summary(dev *uio.Device, asJSON bool) {
	snap := dev.MetricsSnapshot()
	if asJSON {
		b, _ := json.Marshal(struct {
			Device  uio.DeviceInfo      `json:"device"`
			Metrics uio.MetricsSnapshot `json:"metrics"`
		}{dev.Info(), snap})
		fmt.Printf("%s\r\n", b)
		return
	}
	if snap.TotalWaits == 0 {
		return
	}
	fmt.Printf("Interrupts: %d delivered, %d timed out, %d missed (avg wait %s)\r\n",
		snap.IRQDelivered, snap.IRQTimedOut, snap.MissedInterrupts,
		time.Duration(snap.AvgWaitNs).Round(time.Microsecond))
}

// watchQuitKey puts the terminal in raw mode and calls quit when q, Q or
// Ctrl+C is typed. Raw mode turns Ctrl+C into a plain byte, so it has to be
// handled here.
func watchQuitKey(quit func()) (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			if b := buf[0]; b == 'q' || b == 'Q' || b == 0x03 {
				quit()
				return
			}
		}
	}()

	return func() { term.Restore(fd, state) }, nil
}

// parseHex parses a size or offset given in decimal or 0x-prefixed hex
func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 32)
}
