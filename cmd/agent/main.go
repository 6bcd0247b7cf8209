// Command agent runs the on-device WASM execution agent: it owns the
// serial link, the module slot table, and the wazero-backed runtime
// adapter, and dispatches LOAD/START/STOP/STATUS commands until the
// process receives a termination signal.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wasmagent/agent/pkg/agent"
	"github.com/wasmagent/agent/pkg/frameio"
	"github.com/wasmagent/agent/pkg/natives"
	"github.com/wasmagent/agent/pkg/serialport"
	"github.com/wasmagent/agent/pkg/slot"
	"github.com/wasmagent/agent/pkg/telemetry"
	"github.com/wasmagent/agent/pkg/wasmruntime"
)

func main() {
	device := flag.String("device", "/dev/ttyUSB0", "UART device path")
	baud := flag.Int("baud", 115200, "UART baud rate")
	slots := flag.Int("slots", 2, "number of module slots")
	poolBytes := flag.Uint("pool-bytes", 262144, "size in bytes of the host-allocated runtime pool")
	stopForceDelayMs := flag.Int("stop-force-delay-ms", 1200, "soft-stop escalation delay in milliseconds")
	redisAddr := flag.String("redis-addr", "", "optional redis address for telemetry mirroring; empty disables it")
	redisChannel := flag.String("redis-channel", "wasmagent:events", "redis pub/sub channel for telemetry mirroring")
	redisCommandList := flag.String("redis-command-list", "wasmagent:commands", "redis list key BRPOP'd for commands, in addition to the serial line")
	deviceID := flag.String("device-id", "wasmagent", "device identifier reported in HELLO")
	fwVersion := flag.String("fw-version", "1.0.0", "firmware version reported in HELLO")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := agent.DefaultConfig()
	cfg.SlotCount = *slots
	cfg.StopForceDelay = time.Duration(*stopForceDelayMs) * time.Millisecond
	cfg.DeviceID = *deviceID
	cfg.FWVersion = *fwVersion

	port, err := serialport.Open(*device, *baud)
	if err != nil {
		log.Fatalf("failed to open serial device: %v", err)
	}
	defer port.Close()

	uart := agent.NewUARTBridge(port)
	decoder := frameio.NewDecoder()
	pool := wasmruntime.NewHeapPool(uint32(*poolBytes))
	table := slot.NewTable(cfg.SlotCount)

	nativeDeps := natives.Deps{
		UART:    uart,
		Stopper: table,
		LED:     natives.LogIndicator{},
	}

	rt, err := wasmruntime.New(context.Background(), pool, natives.Register(nativeDeps))
	if err != nil {
		log.Fatalf("failed to initialize module runtime: %v", err)
	}

	var mirror telemetry.Mirror
	var redisMirror *telemetry.RedisMirror
	if *redisAddr != "" {
		var err error
		redisMirror, err = telemetry.NewRedisMirror(*redisAddr, *redisChannel)
		if err != nil {
			log.Printf("telemetry disabled: %v", err)
		} else {
			defer redisMirror.Close()
			mirror = redisMirror
		}
	}

	a := agent.New(cfg, rt, pool, decoder, table, uart, mirror)

	go decoder.ReadLoop(port)

	relayStop := make(chan struct{})
	if redisMirror != nil {
		go redisMirror.WatchCommands(relayStop, *redisCommandList, a.Dispatch)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutting down on signal")
		close(relayStop)
		a.Stop()
	}()

	a.Hello()
	a.Run()
}
