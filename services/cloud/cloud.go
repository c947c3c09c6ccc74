// Package cloud links the device to an MQTT broker. It implements the
// controller's Publisher for queued logs, mirrors the bus variables retained
// to the broker and forwards operator commands from the broker to the bus.
//
// Topics, below <prefix>/<device>:
//
//	log/<channel>  queued state and data logs
//	var/<name>     retained state, data and debug variables
//	cmd            incoming commands; the result goes to the MQTT v5 response
//	               topic when given, otherwise to result
package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"fieldlogger/bus"
	"fieldlogger/errcode"
	"fieldlogger/services/runtime"
)

type Config struct {
	Broker         string // tcp://host:port
	Prefix         string
	Device         string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "fieldlogger"
	}
	if c.Device == "" {
		c.Device = "device"
	}
	if c.ClientID == "" {
		c.ClientID = "fieldlogger-" + uuid.NewString()[:8]
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
}

// TopicState is the retained link state on the bus.
var TopicState = bus.T("cloud", "state")

type Client struct {
	cfg  Config
	conn *bus.Connection
	log  *slog.Logger

	mu        sync.Mutex
	cli       *paho.Client
	connected atomic.Bool
}

func New(cfg Config, conn *bus.Connection, log *slog.Logger) *Client {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, conn: conn, log: log.With("service", "cloud")}
}

func (c *Client) topic(parts ...string) string {
	t := c.cfg.Prefix + "/" + c.cfg.Device
	for _, p := range parts {
		t += "/" + p
	}
	return t
}

// Connected reports whether a broker session is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Publish sends one queued log. The controller pops it only on success.
func (c *Client) Publish(ctx context.Context, channel, text string) error {
	c.mu.Lock()
	cli := c.cli
	c.mu.Unlock()
	if cli == nil || !c.Connected() {
		return errcode.NotConnected
	}
	_, err := cli.Publish(ctx, &paho.Publish{
		Topic:   c.topic("log", channel),
		QoS:     c.cfg.QoS,
		Payload: []byte(text),
	})
	return err
}

// Run keeps a broker session up until ctx is cancelled, reconnecting with
// backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffSeq(250*time.Millisecond, 30*time.Second)
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.publishState("down", "stopped", nil)
			return ctx.Err()
		}
		delay := backoff()
		c.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
		c.log.Warn("broker session ended", "err", err, "retry", delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// session owns one broker connection.
func (c *Client) session(ctx context.Context) error {
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	cli := paho.NewClient(paho.ClientConfig{
		ClientID: c.cfg.ClientID,
		Conn:     nc,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if pr.Packet.Topic != c.topic("cmd") {
					return false, nil
				}
				go c.handleCommand(ctx, pr.Packet)
				return true, nil
			},
		},
		OnClientError: report,
		OnServerDisconnect: func(d *paho.Disconnect) {
			report(fmt.Errorf("server disconnect, reason %d", d.ReasonCode))
		},
	})

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	ack, err := cli.Connect(cctx, &paho.Connect{
		ClientID:   c.cfg.ClientID,
		KeepAlive:  uint16(c.cfg.KeepAlive / time.Second),
		CleanStart: true,
	})
	cancel()
	if err != nil {
		_ = nc.Close()
		return err
	}
	if ack.ReasonCode != 0 {
		_ = nc.Close()
		return fmt.Errorf("connack reason %d", ack.ReasonCode)
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	_, err = cli.Subscribe(sctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: c.topic("cmd"), QoS: c.cfg.QoS}},
	})
	cancel()
	if err != nil {
		_ = cli.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return err
	}

	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()
	c.connected.Store(true)
	c.publishState("up", "link_established", nil)
	c.log.Info("connected to broker", "broker", c.cfg.Broker, "client", c.cfg.ClientID)
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.cli = nil
		c.mu.Unlock()
	}()

	// Subscribing per session replays the retained variables after a reconnect.
	varSub := c.conn.Subscribe(runtime.VarTopic("+"))
	defer c.conn.Unsubscribe(varSub)

	for {
		select {
		case <-ctx.Done():
			_ = cli.Disconnect(&paho.Disconnect{ReasonCode: 0})
			return nil
		case err := <-errCh:
			_ = nc.Close()
			return err
		case msg, ok := <-varSub.Channel():
			if !ok {
				continue
			}
			c.mirrorVariable(ctx, cli, msg)
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "tcp" && u.Scheme != "mqtt" {
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	return d.DialContext(ctx, "tcp", u.Host)
}

func (c *Client) mirrorVariable(ctx context.Context, cli *paho.Client, msg *bus.Message) {
	name, _ := msg.Topic[len(msg.Topic)-1].(string)
	text, _ := msg.Payload.(string)
	if name == "" {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if _, err := cli.Publish(pctx, &paho.Publish{
		Topic:   c.topic("var", name),
		QoS:     0,
		Retain:  true,
		Payload: []byte(text),
	}); err != nil {
		c.log.Warn("variable not mirrored", "var", name, "err", err)
	}
}

// handleCommand forwards one broker command to the bus and publishes the
// integer result.
func (c *Client) handleCommand(ctx context.Context, p *paho.Publish) {
	raw := string(p.Payload)
	rctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	ret := errcode.Error.Return()
	reply, err := c.conn.RequestWait(rctx, c.conn.NewMessage(runtime.TopicCommand, raw, false))
	if err != nil {
		c.log.Warn("command not answered", "command", raw, "err", err)
	} else if v, ok := reply.Payload.(int); ok {
		ret = v
	}

	out := &paho.Publish{
		Topic:   c.topic("result"),
		QoS:     c.cfg.QoS,
		Payload: []byte(strconv.Itoa(ret)),
	}
	if p.Properties != nil && p.Properties.ResponseTopic != "" {
		out.Topic = p.Properties.ResponseTopic
		out.Properties = &paho.PublishProperties{CorrelationData: p.Properties.CorrelationData}
	}
	c.mu.Lock()
	cli := c.cli
	c.mu.Unlock()
	if cli == nil {
		return
	}
	if _, err := cli.Publish(rctx, out); err != nil {
		c.log.Warn("command result not published", "command", raw, "err", err)
	}
}

func (c *Client) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,
		"status": status,
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	c.conn.Publish(c.conn.NewMessage(TopicState, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
