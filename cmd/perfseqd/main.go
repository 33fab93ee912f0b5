// Command perfseqd runs the performance change sequencer for one chip and
// serves its control and status APIs.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvmexp/lw-firmware-sub127/api"
	"github.com/nvmexp/lw-firmware-sub127/changeseq"
	"github.com/nvmexp/lw-firmware-sub127/clkstore"
	"github.com/nvmexp/lw-firmware-sub127/config"
	"github.com/nvmexp/lw-firmware-sub127/daemon"
	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/hal/evalboard"
	"github.com/nvmexp/lw-firmware-sub127/hal/sim"
	"github.com/nvmexp/lw-firmware-sub127/jsonrpc"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/lowpower"
	"github.com/nvmexp/lw-firmware-sub127/version"
)

var (
	configDir  = flag.String("config_dir", "", "Directory holding "+config.ConfigFile+". Overrides $"+config.ConfigDirEnv+".")
	family     = flag.String("family", "", "Chip family, overriding the config file.")
	rpcAddr    = flag.String("rpc_addr", "", "Control listen address, overriding the config file.")
	statusAddr = flag.String("status_addr", "", "Status HTTP listen address, overriding the config file.")
)

const shutdownTimeout = 2 * time.Second

type chipHW interface {
	hal.Chip
	lowpower.Hardware
}

func simConfig(cfg *config.Config) (sim.Config, error) {
	sc := sim.DefaultConfig()
	b := cfg.Board
	if len(b.Present) > 0 {
		m, err := config.ParseDomains(b.Present)
		if err != nil {
			return sc, err
		}
		sc.Present = m
	}
	if len(b.Programmable) > 0 {
		m, err := config.ParseDomains(b.Programmable)
		if err != nil {
			return sc, err
		}
		sc.Programmable = m
	}
	if b.Calibration.XbarForMclk != nil {
		sc.XbarForMclk = b.Calibration.XbarForMclk
	}
	if b.Calibration.LogicUVPerMHz != 0 {
		sc.LogicUVPerMHz = b.Calibration.LogicUVPerMHz
		sc.LogicBaseUV = b.Calibration.LogicBaseUV
	}
	sc.AckDelay = time.Duration(cfg.Debug.AckDelayMs) * time.Millisecond
	return sc, nil
}

func openChip(cfg *config.Config) (chipHW, func() error, error) {
	if cfg.Family == config.FamilyEvalBoard && !cfg.Debug.SkipBoardInit {
		c, err := evalboard.Open(cfg.Board, cfg.LowPower)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	if cfg.Family == config.FamilyEvalBoard {
		log.Warningf("board init skipped, simulating %s", cfg.Family)
	}
	sc, err := simConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return sim.New(sc), func() error { return nil }, nil
}

func main() {
	flag.Parse()
	defer log.Flush()

	if *configDir != "" {
		os.Setenv(config.ConfigDirEnv, *configDir)
	}
	cfg, err := config.Read()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *family != "" {
		cfg.Family = *family
	}
	if *rpcAddr != "" {
		cfg.RPCAddr = *rpcAddr
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	log.SetDebug(cfg.Debug.Verbose)
	v := version.GetVersionConfig(cfg.Family)
	log.Infof("=============== perfseqd %s (%s) start ===============", v.Version, v.GitHash)

	chip, closeChip, err := openChip(cfg)
	if err != nil {
		log.Fatalf("%s: %v", cfg.Family, err)
	}
	defer func() {
		if err := closeChip(); err != nil {
			log.Errorf("close %s: %v", cfg.Family, err)
		}
	}()

	opts, err := cfg.SequencerOptions()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	seq, err := changeseq.New(chip, clkstore.New(), opts)
	if err != nil {
		log.Fatalf("sequencer: %v", err)
	}
	d := daemon.New(seq)

	var lp *lowpower.Feature
	if cfg.LowPower.Enabled {
		lp = lowpower.New(lowpower.Config{
			Name:              "lowpower",
			Refresh:           time.Duration(cfg.LowPower.RefreshMs) * time.Millisecond,
			MinChangeInterval: time.Duration(cfg.LowPower.MinChangeIntervalMs) * time.Millisecond,
		}, d, chip)
	}

	rpc, err := jsonrpc.NewServer(cfg.RPCAddr, api.NewService(d, lp).Handle, true)
	if err != nil {
		log.Fatalf("control listener: %v", err)
	}
	status := &http.Server{Addr: cfg.StatusAddr, Handler: api.NewRouter(d)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.Run(gctx)
		if errors.Is(err, daemon.ErrHalted) {
			// Keep the APIs up so the host can read the diagnosis.
			log.Errorf("%v", err)
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Infof("control on %v", rpc.Addr())
		return rpc.ListenAndServe()
	})
	g.Go(func() error {
		log.Infof("status on %s", cfg.StatusAddr)
		if err := status.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rpc.Shutdown(sctx); err != nil {
			log.Errorf("control shutdown: %v", err)
		}
		return status.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("perfseqd: %v", err)
		log.Flush()
		os.Exit(1)
	}
	log.Info("=============== perfseqd stop ===============")
}
