// Package runtime drives the controller: one tick per interval, commands
// from the bus between ticks, variables mirrored retained onto the bus.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"fieldlogger/bus"
	"fieldlogger/controller"
	"fieldlogger/errcode"
	"fieldlogger/services/config"
)

var (
	// TopicCommand carries operator commands; the reply is the integer result.
	TopicCommand = bus.T("cmd", "device")

	topicConfigController = config.Topic("controller")
)

// VarTopic is the retained topic of a controller variable.
func VarTopic(name string) bus.Topic { return bus.T("var", name) }

// VariablePublisher returns a controller OnVariable hook that posts every
// variable retained on var/<name>.
func VariablePublisher(conn *bus.Connection) func(name, value string) {
	return func(name, value string) {
		conn.Publish(conn.NewMessage(VarTopic(name), value, true))
	}
}

type Service struct {
	ctrl   *controller.Controller
	conn   *bus.Connection
	tick   time.Duration
	log    *slog.Logger
	cmdSub *bus.Subscription
	cfgSub *bus.Subscription
}

// New returns a service ticking ctrl every tick (10 ms when zero). Commands
// published after New returns are queued for Run.
func New(ctrl *controller.Controller, conn *bus.Connection, tick time.Duration, log *slog.Logger) *Service {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ctrl:   ctrl,
		conn:   conn,
		tick:   tick,
		log:    log,
		cmdSub: conn.Subscribe(TopicCommand),
		cfgSub: conn.Subscribe(topicConfigController),
	}
}

// Run blocks until ctx is cancelled. The controller is only touched from
// this goroutine.
func (s *Service) Run(ctx context.Context) error {
	cmdSub, cfgSub := s.cmdSub, s.cfgSub
	defer s.conn.Unsubscribe(cmdSub)
	defer s.conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("runtime stopping")
			return ctx.Err()
		case <-tick.C:
			s.ctrl.Update(ctx)
		case msg, ok := <-cmdSub.Channel():
			if !ok {
				return nil
			}
			s.handleCommand(msg)
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				continue
			}
			if s.applyConfig(msg) {
				tick.Reset(s.tick)
			}
		}
	}
}

func (s *Service) handleCommand(msg *bus.Message) {
	raw, ok := msg.Payload.(string)
	if !ok {
		if b, isBytes := msg.Payload.([]byte); isBytes {
			raw, ok = string(b), true
		}
	}
	if !ok {
		s.log.Warn("ignoring command with unsupported payload", "topic", msg.Topic.String())
		s.conn.Reply(msg, errcode.InvalidCommand.Return(), false)
		return
	}
	ret := s.ctrl.ReceiveCommand(raw)
	s.conn.Reply(msg, ret, false)
}

// applyConfig follows tick and name changes published on config/controller.
// It reports whether the tick changed.
func (s *Service) applyConfig(msg *bus.Message) bool {
	var c config.Controller
	if err := config.Decode(msg.Payload, &c); err != nil {
		s.log.Warn("bad controller config", "err", err)
		return false
	}
	if c.Name != "" && c.Name != s.ctrl.State().DeviceName() {
		s.ctrl.SetName(c.Name)
	}
	d := time.Duration(c.TickMs) * time.Millisecond
	if d <= 0 || d == s.tick {
		return false
	}
	s.tick = d
	s.log.Info("tick interval changed", "tick", d)
	return true
}
