package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpmc/config"
	"mpmc/tcp"
	"mpmc/util/log"
)

var banner = `
    __  _______  __  _________
   /  |/  / __ \/  |/  / ____/
  / /|_/ / /_/ / /|_/ / /
 / /  / / ____/ /  / / /___
/_/  /_/_/   /_/  /_/\____/
                v1.0-SNAPSHOT`

func init() {
	stdlog.SetFlags(stdlog.Ldate | stdlog.Ltime | stdlog.Lshortfile)
}

func main() {
	fmt.Println(banner)
	if len(os.Args) > 1 {
		if err := config.LoadConfigs(os.Args[1]); err != nil {
			log.Errorf("load config %s: %v", os.Args[1], err)
			os.Exit(1)
		}
	}
	props := config.Properties
	if err := props.Validate(); err != nil {
		log.Errorf("invalid config: %v", err)
		os.Exit(1)
	}
	level, err := log.ParseLevel(props.LogLevel)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	_ = log.SetLevel(level)

	if err := run(props); err != nil {
		log.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}

func run(props *config.ServerProperties) error {
	server, err := tcp.NewServer(props.Mode, tcp.Options{
		ReadBufferSize: props.ReadBufferSize,
		Backlog:        props.Backlog,
		RingEntries:    props.RingEntries,
		Workers:        props.Workers,
		QueueCapacity:  props.QueueCapacity,
		DrainOnClose:   props.DrainOnClose,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	if _, err := server.Listen(props.Bind, props.Port); err != nil {
		return err
	}
	if props.HeartbeatMs > 0 {
		err := server.AddTimer(time.Duration(props.HeartbeatMs)*time.Millisecond, func() {
			stats := server.Stats()
			log.Info("heartbeat, accepted: %d closed: %d requests: %d", stats.Accepted, stats.Closed, stats.Requests)
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("%s server started", props.Mode)
	if err := server.Run(ctx); err != nil {
		return err
	}
	log.Info("%s server shutdown", props.Mode)
	return nil
}
