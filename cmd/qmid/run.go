package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softqmi/config"
	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/internal/modemsim"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/pkg/prof"
	"github.com/ardnew/softqmi/pkg/usbid"
	"github.com/ardnew/softqmi/qmi"
	"github.com/ardnew/softqmi/qmid"
	"github.com/ardnew/softqmi/transport/cdc"
)

const (
	shutdownTimeout = 5 * time.Second

	profileBlockRate     = 10000 // ns
	profileMutexFraction = 100
)

func setupLogging(l *config.Logging) (func(), error) {
	level, _ := pkg.ParseLogLevel(l.Level)
	pkg.SetLogLevel(level)

	closeFn := func() {}
	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		pkg.SetLogOutput(f)
		closeFn = func() { _ = f.Close() }
	}

	format := pkg.LogFormatText
	if l.Format == "json" {
		format = pkg.LogFormatJSON
	}
	pkg.SetLogFormat(format)
	return closeFn, nil
}

// openModem returns the control HAL selected by the configuration.
func openModem(dev *config.Device) (hal.ControlHAL, error) {
	if dev.Simulate {
		pkg.LogInfo(component, "using simulated modem", "meid", modemsim.DefaultMEID)
		return modemsim.New(), nil
	}
	return openUSB(dev)
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h, err := openModem(cfg.Device)
	if err != nil {
		return fmt.Errorf("open modem: %w", err)
	}

	opts := append(cfg.QMI.Options(), qmi.WithMetrics(reg))
	d := qmi.New(cdc.New(h), opts...)
	d.OnLinkChange(func(up bool) {
		pkg.LogInfo(component, "link changed", "up", up, "stats", d.Stats())
	})

	id := h.Identity()
	ids := usbid.New()
	ids.Load()
	pkg.LogInfo(component, "registering device",
		"modem", ids.Describe(id.VIDPID()), "interface", id.Interface)
	if err := d.Register(ctx); err != nil {
		// Register tears the device down, closing h, on failure.
		return fmt.Errorf("register: %w", err)
	}
	pkg.LogInfo(component, "device ready", "meid", d.MEID())

	srv := qmid.New(d, qmid.WithMetrics(reg))
	if err := srv.Listen(cfg.Server.Socket); err != nil {
		_ = d.Shutdown(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.Done():
			return pkg.ErrDeviceGone
		}
	})
	if addr := cfg.Metrics.Address; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		if cfg.Metrics.Profile {
			prof.SetContentionRates(profileBlockRate, profileMutexFraction)
			prof.Handle(mux)
		}
		hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			pkg.LogInfo(component, "serving metrics", "addr", addr)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err = g.Wait()
	pkg.LogInfo(component, "shutting down", "cause", err)

	_ = srv.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := d.Shutdown(sctx); serr != nil {
		pkg.LogWarn(component, "device shutdown", "error", serr)
	}
	return err
}
