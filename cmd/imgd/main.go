package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imgd-io/imgd/service"
	"github.com/imgd-io/imgd/service/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// version is filled in by the linker.
var version = "unknown"

type flags struct {
	listen     string
	configPath string
	logConf    logger.Config
	service    service.Config
}

func parseFlags() (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("imgd", flag.ExitOnError)
	fs.StringVar(&f.listen, "l", ":7858", "[addr]:port to listen on")
	fs.StringVar(&f.configPath, "config", "", "path to a yaml config file")
	fs.StringVar(&f.logConf.Path, "log.path", "stdout", "path to send logs (stdout, stderr, or a file)")
	fs.Var(&f.logConf.Mode, "log.filemode", "logger file write mode [append, truncate, rotate]")
	fs.Var(&f.logConf.Level, "log.level", "logging level")
	f.service.Dispatch.SetFlags(fs)
	f.service.ImageCache.SetFlags(fs)
	fs.StringVar(&f.service.StoreURI, "store", "", "image store URI (file:// or s3://); empty disables saving")
	fs.DurationVar(&f.service.SessionTTL, "session.ttl", time.Hour, "peer session time to live")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if f.configPath != "" {
		b, err := os.ReadFile(f.configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &f.service); err != nil {
			return nil, fmt.Errorf("%s: %w", f.configPath, err)
		}
	}
	return f, nil
}

func run() error {
	f, err := parseFlags()
	if err != nil {
		return err
	}
	log, err := logger.New(f.logConf)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf := f.service
	conf.Logger = log
	conf.Version = version
	core, err := service.NewCore(ctx, conf)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    f.listen,
		Handler: core.HTTPHandler(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", f.listen), zap.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}
	return core.Shutdown(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "imgd: %v\n", err)
		os.Exit(1)
	}
}
