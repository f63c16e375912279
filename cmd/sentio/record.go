package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sentiolabs/sentio/internal/transport/goble"
	"github.com/sentiolabs/sentio/pkg/recorder"
	"github.com/sentiolabs/sentio/pkg/sensor"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session of decoded readings to a file",
	RunE:  runRecord,
}

var (
	recordDeviceID string
	recordOut      string
	recordFormat   string
)

func init() {
	recordCmd.Flags().StringVarP(&recordDeviceID, "device", "D", "", "Device identity to connect to (required)")
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", "", "Output file path (required)")
	recordCmd.Flags().StringVarP(&recordFormat, "format", "f", "csv", "Output format (csv, jsonl)")
	_ = recordCmd.MarkFlagRequired("device")
	_ = recordCmd.MarkFlagRequired("out")
}

func runRecord(cmd *cobra.Command, args []string) error {
	if recordFormat != string(recorder.FormatCSV) && recordFormat != string(recorder.FormatJSONL) {
		return fmt.Errorf("invalid format %q: must be csv or jsonl", recordFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	out, err := os.Create(recordOut)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	opts := recorder.DefaultOptions()
	opts.Format = recorder.Format(recordFormat)
	rec, err := recorder.New(out, opts, logger)
	if err != nil {
		return err
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
		OnReading: rec.Record,
	})
	defer unsubscribe()

	if err := ctl.Connect(sensor.Device{Identity: recordDeviceID, Name: recordDeviceID}); err != nil {
		return err
	}

	<-ctx.Done()
	fmt.Println("\nStopping recording...")
	if err := ctl.Disconnect(); err != nil {
		logger.WithError(err).Warn("Disconnect failed")
	}
	if err := rec.Close(); err != nil {
		return err
	}
	fmt.Printf("Session written to %s\n", recordOut)
	return nil
}
