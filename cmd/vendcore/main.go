// Command vendcore drives the coin acceptor, payout hoppers and paper
// dispensers of a kiosk and speaks the line protocol to the host.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/link"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/machine"
	"github.com/kioskworks/vendcore/internal/mqtt"
	"github.com/kioskworks/vendcore/internal/protocol"
	"github.com/kioskworks/vendcore/internal/status"
	"github.com/kioskworks/vendcore/internal/web"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// lineQueue bounds inbound lines waiting for the loop, from the host link
// and MQTT together.
const lineQueue = 64

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	bootID := uuid.NewString()
	boot := time.Now()

	chip, err := gpio.OpenChip(cfg.GPIO.Chip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	m, err := machine.New(cfg, chip, bootID, boot, log.Named("machine"))
	if err != nil {
		return fmt.Errorf("assemble machine: %w", err)
	}

	lk, err := link.Open(cfg.Link, log.Named("link"))
	if err != nil {
		return fmt.Errorf("init host link: %w", err)
	}
	defer lk.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string, lineQueue)
	go func() {
		if err := lk.ReadLines(ctx, lines); err != nil && ctx.Err() == nil {
			log.Error("host link read failed", zap.Error(err))
		}
	}()

	tracker := status.NewTracker(boot, status.Config{
		PollMs:           cfg.Loop.Poll.Milliseconds(),
		StatusIntervalMs: cfg.Loop.StatusInterval.Milliseconds(),
		Link:             cfg.Link.Port,
		Broker:           cfg.MQTT.Broker,
		MQTTEnabled:      cfg.MQTT.Enabled,
		HTTPAddr:         cfg.HTTP.Addr,
	}, status.DefaultRecent)
	if info := readNetworkInfo(); info != nil {
		tracker.SetNetwork(info)
	}
	tracker.Update(m.Snapshot())

	lp := &loop{machine: m, link: lk, tracker: tracker, log: log}

	if cfg.MQTT.Enabled {
		pub, err := mqtt.NewRealPublisher(cfg.MQTT, bootID, lines, log.Named("mqtt"))
		if err != nil {
			// the kiosk keeps working from the host link alone
			log.Warn("mqtt unavailable", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			defer pub.Close()
			lp.pub = pub
			lp.mqttStatus = pub
		}
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, log.Named("http"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	log.Info("started",
		zap.String("version", Version),
		zap.String("boot_id", bootID),
		zap.String("link", lk.Name()),
		zap.Duration("poll", cfg.Loop.Poll))

	ticker := time.NewTicker(cfg.Loop.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return lp.run(time.Now, ticker.C, lines, sigCh)
}

// sender is the outbound half of the host link.
type sender interface {
	Send(msgs ...protocol.Message) error
}

// loop is the single cooperative loop. Every machine call happens on its
// goroutine; other goroutines only feed it lines.
type loop struct {
	machine    *machine.Machine
	link       sender
	pub        mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	log        *zap.Logger
}

func (l *loop) run(now func() time.Time, tick <-chan time.Time, lines <-chan string, sig <-chan os.Signal) error {
	l.log = logger.OrNop(l.log)
	for {
		select {
		case s := <-sig:
			l.log.Info("shutting down", zap.Stringer("signal", s))
			l.emit(l.machine.Shutdown(now()))
			return nil

		case line := <-lines:
			l.emit([]protocol.Message{l.machine.HandleLine(line, now())})

		case <-tick:
			l.emit(l.machine.Step(now()))
		}
	}
}

// emit writes msgs to the host, mirrors them to MQTT and records them for
// the status page. Delivery failures are logged and never stop the loop.
func (l *loop) emit(msgs []protocol.Message) {
	if len(msgs) > 0 {
		if err := l.link.Send(msgs...); err != nil {
			l.log.Warn("host link write failed", zap.Error(err))
		}
		if l.pub != nil {
			for _, m := range msgs {
				if err := l.pub.Publish(m); err != nil {
					l.log.Debug("mqtt publish failed", zap.Error(err))
				}
			}
		}
	}
	if l.tracker != nil {
		l.tracker.Record(msgs...)
		l.tracker.Update(l.machine.Snapshot())
		if l.mqttStatus != nil {
			l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
		}
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
