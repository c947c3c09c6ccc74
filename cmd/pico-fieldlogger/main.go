//go:build rp2040 || rp2350

// Command pico-fieldlogger runs the logger runtime on a Raspberry Pi Pico:
// flash-backed state, an OpenLog SD card and the AHT20 on i2c0, a serial
// instrument on uart1 and an operator console on USB serial. Logs are passed
// through to the console instead of a cloud link.
package main

import (
	"context"
	"log/slog"
	"machine"
	"strconv"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"fieldlogger/bus"
	"fieldlogger/controller"
	"fieldlogger/nvstore"
	"fieldlogger/peripherals"
	_ "fieldlogger/peripherals/aht20"
	_ "fieldlogger/peripherals/example"
	_ "fieldlogger/peripherals/linesensor"
	"fieldlogger/sdlog"
	"fieldlogger/serialio"
	"fieldlogger/services/config"
	"fieldlogger/services/runtime"
	"fieldlogger/x/timex"
)

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("[main] boot")

	log := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := context.Background()

	cfg, err := config.Load("pico", "")
	if err != nil {
		halt("config: " + err.Error())
	}
	rc, err := cfg.Controller.Runtime("", cfg.SD)
	if err != nil {
		halt("controller config: " + err.Error())
	}

	store, err := nvstore.NewFlash(int64(cfg.NV.Size))
	if err != nil {
		halt("flash: " + err.Error())
	}

	i2c := machine.I2C0
	if err := i2c.Configure(machine.I2CConfig{
		Frequency: 400 * machine.KHz,
		SDA:       machine.I2C0_SDA_PIN,
		SCL:       machine.I2C0_SCL_PIN,
	}); err != nil {
		halt("i2c0: " + err.Error())
	}
	sd := sdlog.NewOpenLog(i2c)
	sd.Probe()

	port, err := serialio.OpenUART(ctx, uartx.UART1, uint32(cfg.Serial.Baud), machine.UART1_TX_PIN, machine.UART1_RX_PIN)
	if err != nil {
		halt("uart1: " + err.Error())
	}

	b := bus.NewBus(8)
	config.NewService(cfg).Start(ctx, b.NewConnection("config"))
	rtConn := b.NewConnection("runtime")

	ctrl := controller.New(rc, store, controller.Options{
		Clock:      timex.NewSystem(),
		Log:        log,
		Sink:       sd,
		OnVariable: runtime.VariablePublisher(rtConn),
		Restart: func(kind controller.ResetKind) {
			println("[main] restart:", kind.String())
			time.Sleep(100 * time.Millisecond)
			machine.CPUReset()
		},
	})

	comps, err := peripherals.Build(cfg.Peripherals, i2c, port)
	if err != nil {
		halt("peripherals: " + err.Error())
	}
	for _, c := range comps {
		if err := ctrl.Register(c); err != nil {
			halt("register " + c.ID() + ": " + err.Error())
		}
	}
	if err := ctrl.Init(); err != nil {
		halt("init: " + err.Error())
	}

	go console(ctx, b.NewConnection("console"))

	tick := time.Duration(cfg.Controller.TickMs) * time.Millisecond
	_ = runtime.New(ctrl, rtConn, tick, log).Run(ctx)
}

// console prints passthrough logs and forwards typed lines as commands.
func console(ctx context.Context, conn *bus.Connection) {
	logs := []*bus.Subscription{
		conn.Subscribe(runtime.VarTopic(controller.VarStateLog)),
		conn.Subscribe(runtime.VarTopic(controller.VarDataLog)),
	}
	var line []byte
	for {
		for _, sub := range logs {
			select {
			case m := <-sub.Channel():
				if s, ok := m.Payload.(string); ok {
					println(m.Topic.String(), s)
				}
			default:
			}
		}
		for machine.Serial.Buffered() > 0 {
			c, err := machine.Serial.ReadByte()
			if err != nil {
				break
			}
			if c != '\r' && c != '\n' {
				if len(line) < 63 {
					line = append(line, c)
				}
				continue
			}
			if len(line) == 0 {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			reply, err := conn.RequestWait(rctx, conn.NewMessage(runtime.TopicCommand, string(line), false))
			cancel()
			if err != nil {
				println("[console]", string(line), "->", err.Error())
			} else if v, ok := reply.Payload.(int); ok {
				println("[console]", string(line), "->", strconv.Itoa(v))
			}
			line = line[:0]
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func halt(msg string) {
	for {
		println("[main] fatal:", msg)
		time.Sleep(5 * time.Second)
	}
}
