package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sentiolabs/sentio/internal/transport/goble"
	"github.com/sentiolabs/sentio/pkg/sensor"
	"github.com/sentiolabs/sentio/pkg/telemetry"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Connect to a sensor and print decoded readings",
	Long: `Connect to a sensor by identity and print decoded readings and
state transitions until interrupted. With auto-reconnect enabled the
stream resumes automatically after involuntary drops.`,
	RunE: runStream,
}

var (
	streamDeviceID  string
	streamReconnect bool
)

func init() {
	streamCmd.Flags().StringVarP(&streamDeviceID, "device", "D", "", "Device identity to connect to (required)")
	streamCmd.Flags().BoolVar(&streamReconnect, "reconnect", true, "Reconnect automatically after involuntary drops")
	_ = streamCmd.MarkFlagRequired("device")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.AutoReconnect = streamReconnect

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	ctl, err := sensor.NewController(cfg, goble.New(nil, logger), logger)
	if err != nil {
		return err
	}
	defer ctl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	unsubscribe := ctl.Subscribe(sensor.Subscriber{
		OnState:   printState,
		OnReading: printReading,
	})
	defer unsubscribe()

	if err := ctl.Connect(sensor.Device{Identity: streamDeviceID, Name: streamDeviceID}); err != nil {
		return err
	}

	<-ctx.Done()
	fmt.Println("\nDisconnecting...")
	if err := ctl.Disconnect(); err != nil {
		logger.WithError(err).Warn("Disconnect failed")
	}
	return nil
}

func printState(state sensor.ConnectionState) {
	switch state.Kind {
	case sensor.StateConnected:
		color.Green("state: %s", state)
	case sensor.StateFailed:
		color.Red("state: %s", state)
	default:
		color.Yellow("state: %s", state)
	}
}

func printReading(r telemetry.Reading) {
	switch v := r.(type) {
	case telemetry.EEGReading:
		flags := ""
		if v.LeadOff {
			flags = " [lead-off]"
		}
		fmt.Printf("eeg     t=%.3f ch1=%.1fµV ch2=%.1fµV%s\n", v.Timestamp, v.Ch1, v.Ch2, flags)
	case telemetry.PPGReading:
		fmt.Printf("ppg     t=%.3f red=%d ir=%d\n", v.Timestamp, v.Red, v.Infrared)
	case telemetry.AccelReading:
		fmt.Printf("accel   t=%.3f x=%d y=%d z=%d\n", v.Timestamp, v.X, v.Y, v.Z)
	case telemetry.BatteryReading:
		fmt.Printf("battery t=%.3f %d%%\n", v.Timestamp, v.Percent)
	}
}
