// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry reads energy sensors published by a network gateway.
//
// Every read is a short WebSocket session: the backend dials the gateway
// endpoint with the wanted topic as the "topic" query parameter, takes the
// first binary message and closes the connection. The registration topic
// lists the sensors; each sensor then publishes energy frames on its own
// topic.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

const (
	DefaultName               = "telemetry"
	DefaultTopic              = "ema/devices"
	DefaultReadDevicesTimeout = 5 * time.Second
	DefaultReadEnergyTimeout  = time.Second
)

type Opts struct {
	logger             *slog.Logger
	name               string
	topic              string
	readDevicesTimeout time.Duration
	readEnergyTimeout  time.Duration
	dialer             *websocket.Dialer
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:             slog.Default(),
		name:               DefaultName,
		topic:              DefaultTopic,
		readDevicesTimeout: DefaultReadDevicesTimeout,
		readEnergyTimeout:  DefaultReadEnergyTimeout,
		dialer:             websocket.DefaultDialer,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithName sets the backend name; several gateways need distinct names
func WithName(name string) OptionFn {
	return func(o *Opts) {
		o.name = name
	}
}

// WithTopic sets the registration topic
func WithTopic(topic string) OptionFn {
	return func(o *Opts) {
		o.topic = topic
	}
}

func WithTimeouts(readDevices, readEnergy time.Duration) OptionFn {
	return func(o *Opts) {
		o.readDevicesTimeout = readDevices
		o.readEnergyTimeout = readEnergy
	}
}

func WithDialer(d *websocket.Dialer) OptionFn {
	return func(o *Opts) {
		o.dialer = d
	}
}

// Backend exposes the sensors registered at a gateway
type Backend struct {
	logger   *slog.Logger
	opts     Opts
	endpoint *url.URL

	// concurrent reads of one topic share a session
	group   singleflight.Group
	devices []*device.Device
}

var _ device.Backend = (*Backend)(nil)

// New creates a backend for the gateway at endpoint, a ws:// or wss:// URL
func New(endpoint string, applyOpts ...OptionFn) (*Backend, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid telemetry endpoint %q: scheme must be ws or wss", endpoint)
	}

	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Backend{
		logger:   opts.logger.With("backend", opts.name),
		opts:     opts,
		endpoint: u,
	}, nil
}

func (b *Backend) Name() string {
	return b.opts.name
}

func (b *Backend) Init() error {
	frame, err := b.read(b.opts.topic, b.opts.readDevicesTimeout)
	if err != nil {
		return fmt.Errorf("reading registration: %w", err)
	}
	sensors, err := DecodeRegistration(frame)
	if err != nil {
		return err
	}

	b.devices = make([]*device.Device, 0, len(sensors))
	for _, s := range sensors {
		c := &sensorCounter{backend: b, topic: s.Topic}
		b.devices = append(b.devices, device.New(b, s.ID, s.ID, s.DeviceType(), c))
		b.logger.Debug("Registered sensor", "id", s.ID, "topic", s.Topic, "type", s.DeviceType())
	}
	b.logger.Info("Telemetry sensors registered", "endpoint", b.endpoint.Redacted(), "devices", len(b.devices))
	return nil
}

func (b *Backend) Devices() []*device.Device {
	return b.devices
}

func (b *Backend) Finalize() error {
	b.devices = nil
	return nil
}

func (b *Backend) topicURL(topic string) string {
	u := *b.endpoint
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String()
}

// read returns the next binary message published on topic
func (b *Backend) read(topic string, timeout time.Duration) ([]byte, error) {
	v, err, _ := b.group.Do(topic, func() (any, error) {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		conn, _, err := b.opts.dialer.DialContext(ctx, b.topicURL(topic), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: dialing %s: %w", device.ErrIO, b.endpoint.Redacted(), err)
		}
		defer conn.Close()

		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: reading topic %s: %w", device.ErrIO, topic, err)
		}
		if typ != websocket.BinaryMessage {
			return nil, fmt.Errorf("%w: topic %s: expected a binary message", device.ErrProtocol, topic)
		}

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// sensorCounter reads one sensor topic. Gateway counters are 64 bit and
// never polled.
type sensorCounter struct {
	backend *Backend
	topic   string
}

var _ device.Counter = (*sensorCounter)(nil)

func (c *sensorCounter) Energy() (device.Energy, error) {
	frame, err := c.backend.read(c.topic, c.backend.opts.readEnergyTimeout)
	if err != nil {
		return 0, err
	}
	r, err := DecodeReading(frame)
	if err != nil {
		return 0, fmt.Errorf("topic %s: %w", c.topic, err)
	}
	return r.Energy, nil
}

func (c *sensorCounter) MaxEnergy() device.Energy {
	return math.MaxUint64
}

func (c *sensorCounter) Interval() time.Duration {
	return 0
}
