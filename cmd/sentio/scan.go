package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sentiolabs/sentio/internal/transport/goble"
	"github.com/sentiolabs/sentio/pkg/sensor"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Sentio sensors",
	Long: `Scan for nearby Sentio sensors and display their identity, display
name, and signal strength. Only devices matching the configured name
prefix are shown.`,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	ctl, err := sensor.NewController(cfg, goble.New(nil, logger), logger)
	if err != nil {
		return err
	}
	defer ctl.Close()

	ctx := context.Background()
	if scanDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	unsubscribe := ctl.Subscribe(sensor.Subscriber{
		OnDevice: func(dev sensor.Device) {
			color.Green("found %s (%s)", dev.Name, dev.Identity)
		},
	})
	defer unsubscribe()

	fmt.Printf("Scanning for sensors with prefix %q...\n", cfg.NamePrefix)
	if err := ctl.StartScanning(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	if err := ctl.StopScanning(); err != nil {
		logger.WithError(err).Warn("Failed to stop scan")
	}

	return printDeviceTable(ctl.Devices())
}

func printDeviceTable(devices []sensor.Device) error {
	if len(devices) == 0 {
		fmt.Println("No sensors discovered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIDENTITY\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, dev := range devices {
		rssi := "n/a"
		if dev.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *dev.RSSI)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", dev.Name, dev.Identity, rssi)
	}
	return w.Flush()
}
