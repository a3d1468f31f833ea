package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/born-ml/born-detect/internal/config"
	"github.com/born-ml/born-detect/internal/parallel"
	"github.com/born-ml/born-detect/internal/runner"
	"github.com/born-ml/born-detect/internal/scalar"
	"github.com/born-ml/born-detect/internal/status"
)

var (
	flagEpochs    int
	flagWorldSize int
	flagDevice    string
	flagStatus    string
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a detector and validate it after every epoch",
		RunE:  runTrain,
	}
	cmd.Flags().IntVar(&flagEpochs, "epochs", 0, "override train.epochs")
	cmd.Flags().IntVar(&flagWorldSize, "world-size", 0, "override train.world_size")
	cmd.Flags().StringVar(&flagDevice, "device", "", "override model.device (cpu or webgpu)")
	cmd.Flags().StringVar(&flagStatus, "status-addr", "", "override status.addr, e.g. :8080")
	return cmd
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return err
	}
	if flagEpochs > 0 {
		cfg.Train.Epochs = flagEpochs
	}
	if flagWorldSize > 0 {
		cfg.Train.WorldSize = flagWorldSize
	}
	if flagDevice != "" {
		cfg.Model.Device = flagDevice
	}
	if flagStatus != "" {
		cfg.Status.Addr = flagStatus
	}

	run, err := runner.CreateRunDir(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", run.Dir)
	if err := saveConfig(filepath.Join(run.Dir, "config.yaml"), cfg); err != nil {
		return err
	}

	events, err := scalar.NewEventWriter(run.Dir)
	if err != nil {
		return err
	}
	defer events.Close()
	rec := scalar.NewRecorder()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Status.Addr != "" {
		srv := status.New(rec, run.ID)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Status.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("warning: status server: %v", err)
			}
		}()
		fmt.Printf("Status: http://%s/scalars\n", cfg.Status.Addr)
	}

	fmt.Printf("CPU: %s (%d cores, %d loader workers)\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, parallel.Workers())
	fmt.Printf("Device: %s, workers: %d, epochs: %d\n", cfg.Model.Device, cfg.Train.WorldSize, cfg.Train.Epochs)

	res, err := runner.Train(ctx, cfg, runner.Options{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
		Writer: scalar.Multi(events, rec),
	})
	if err != nil {
		return err
	}
	if n := len(res.Epochs); n > 0 {
		last := res.Epochs[n-1]
		fmt.Printf("Finished %d epochs: val loss %.4f\n", n, last.Val.Overall)
	}
	fmt.Printf("Scalars: %s\n", events.Path())
	return events.Close()
}

func saveConfig(path string, cfg *config.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	if err := config.Write(f, cfg); err != nil {
		f.Close()
		return fmt.Errorf("saving config: %w", err)
	}
	return f.Close()
}
