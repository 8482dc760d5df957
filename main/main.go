package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/autonlab/srl/admin"
	"github.com/autonlab/srl/mirror"
	"github.com/autonlab/srl/netif"
	"github.com/autonlab/srl/srl"
)

func goid() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.Atoi(idField)
	if err != nil {
		panic(fmt.Sprintf("cannot get goroutine id: %v", err))
	}
	return id
}

func setupLogging(cfg Config) (func(), error) {
	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%d %s:%4d", goid(), filename, f.Line)
		},
	})
	level, err := logLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

func stats(c *srl.Controller) {
	time.AfterFunc(5*time.Second, func() { stats(c) })
	snap := c.Snapshot()
	s := c.Stats()
	log.Infof("Connections: %4d, providers: %4d, queued: %4d", len(snap.Connections), len(snap.Providers), snap.QueueLength)
	log.Infof("Accepted: %d, dispatched: %d, reaped: %d, lost: %d, torn down: %d", s.Accepted, s.Dispatched, s.Reaped, s.Lost, s.TornDown)
}

// openInterfaces starts every configured transport and hands it to the
// controller, which owns it from then on.
func openInterfaces(c *srl.Controller, cfg Config) error {
	for _, addr := range cfg.Listen {
		l, err := netif.Listen("tcp", addr, cfg.WriteTimeout)
		if err != nil {
			return err
		}
		if err := c.RegisterInterface(l, true); err != nil {
			l.Close()
			return err
		}
	}
	for _, socket := range cfg.Unix {
		if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
			return err
		}
		l, err := netif.Listen("unix", socket, cfg.WriteTimeout)
		if err != nil {
			return err
		}
		if err := c.RegisterInterface(l, true); err != nil {
			l.Close()
			return err
		}
	}
	if cfg.SSH != nil {
		log.Infof("SSH tunnel to %s@%s:%d, key %s", cfg.SSH.User, cfg.SSH.Host, cfg.SSH.Port, cfg.SSH.KeyPath)
		l, err := netif.DialReverse(*cfg.SSH, cfg.WriteTimeout)
		if err != nil {
			return err
		}
		if err := c.RegisterInterface(l, true); err != nil {
			l.Close()
			return err
		}
	}
	return nil
}

func run(cfg Config) error {
	var opts []srl.Option
	if cfg.Redis.Addr != "" {
		m := mirror.New(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Prefix)
		defer m.Close()
		if err := m.Ping(context.Background()); err != nil {
			log.Warnf("Redis at %s is not reachable yet: %v", cfg.Redis.Addr, err)
		} else if err := m.Reset(context.Background()); err != nil {
			log.Warnf("Could not clear the directory mirror: %v", err)
		}
		opts = append(opts, srl.WithObserver(m))
	}

	c, err := srl.NewController(cfg.Controller, opts...)
	if err != nil {
		return err
	}
	if err := openInterfaces(c, cfg); err != nil {
		c.Stop()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}

	adminDone := make(chan struct{})
	if cfg.Admin != "" {
		gin.SetMode(gin.ReleaseMode)
		server := admin.NewServer(c)
		go func() {
			defer close(adminDone)
			if err := server.Run(ctx, cfg.Admin); err != nil {
				log.Errorf("Admin API stopped: %v", err)
			}
		}()
	} else {
		close(adminDone)
	}

	log.Warn("Ready to serve")
	go stats(c)

	<-ctx.Done()
	log.Warn("Shutting down")
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Trace(spew.Sdump(c.Snapshot()))
	}
	err = c.Stop()
	<-adminDone
	return err
}

func main() {
	cfg, printOnly, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if printOnly {
		if err := printConfig(os.Stdout, cfg); err != nil {
			log.Fatal(err)
		}
		return
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()

	log.Infof("Routers %d, idle timeout %v", cfg.Controller.Routers, cfg.Controller.IdleTimeout)
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}
