// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/hub"
	"github.com/voltaics/busbar/pkg/pd"
)

// MQTTOptions configures the MQTT bridge.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	QoS         byte

	ConnectTimeout time.Duration
}

// MQTT publishes hub status to a broker and accepts commands back. The full
// report goes to <prefix>/status as JSON; per-port snapshots go to
// <prefix>/port/<id> as CBOR, retained so late subscribers see current state.
type MQTT struct {
	client mqtt.Client
	opts   MQTTOptions
	log    *zap.Logger
	enc    cbor.EncMode
}

// NewMQTT connects to the broker.
func NewMQTT(opts MQTTOptions, log *zap.Logger) (*MQTT, error) {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "busbar"
	}
	if opts.ClientID == "" {
		opts.ClientID = "busbar-hub"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	cliOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout)

	client := mqtt.NewClient(cliOpts)
	if tok := client.Connect(); !tok.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", opts.Broker)
	} else if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, tok.Error())
	}

	return &MQTT{client: client, opts: opts, log: log, enc: enc}, nil
}

// Export publishes the report.
func (m *MQTT) Export(r hub.Report) error {
	full, err := json.Marshal(r)
	if err != nil {
		return err
	}
	m.publish(m.opts.TopicPrefix+"/status", full, false)

	for _, p := range r.Ports {
		blob, err := m.enc.Marshal(p)
		if err != nil {
			return err
		}
		m.publish(fmt.Sprintf("%s/port/%d", m.opts.TopicPrefix, p.ID), blob, true)
	}
	return nil
}

func (m *MQTT) publish(topic string, payload []byte, retain bool) {
	tok := m.client.Publish(topic, m.opts.QoS, retain, payload)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			m.log.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// SubscribeCommands wires <prefix>/cmd to the controller. Each command's
// outcome is published to <prefix>/cmd/result.
func (m *MQTT) SubscribeCommands(ctx context.Context, ctrl *hub.Controller) error {
	topic := m.opts.TopicPrefix + "/cmd"
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		result := commandResult{OK: true}
		if err := m.handleCommand(ctx, ctrl, msg.Payload()); err != nil {
			result = commandResult{Error: err.Error()}
		}
		out, _ := json.Marshal(result)
		m.publish(topic+"/result", out, false)
	}

	tok := m.client.Subscribe(topic, m.opts.QoS, handler)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	m.log.Info("mqtt command channel ready", zap.String("topic", topic))
	return nil
}

func (m *MQTT) handleCommand(ctx context.Context, ctrl *hub.Controller, payload []byte) error {
	cmd, err := parseCommand(payload)
	if err != nil {
		m.log.Warn("bad mqtt command", zap.Error(err))
		return err
	}
	m.log.Info("mqtt command", zap.String("action", cmd.Action), zap.Uint8("port", uint8(cmd.Port)))
	return applyCommand(ctx, ctrl, cmd)
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

type commandResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// command is the JSON payload accepted on the command topic.
type command struct {
	Action string    `json:"action"`
	Port   pd.PortID `json:"port"`

	// Contract fields, used by the "request" action.
	VoltageMV uint16 `json:"voltage_mv,omitempty"`
	CurrentMA uint16 `json:"current_ma,omitempty"`
	Revision  uint8  `json:"revision,omitempty"`
	PPS       bool   `json:"pps,omitempty"`
}

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return command{}, fmt.Errorf("invalid command payload: %w", err)
	}
	switch cmd.Action {
	case "request":
		if cmd.VoltageMV == 0 || cmd.CurrentMA == 0 {
			return command{}, fmt.Errorf("request command needs voltage_mv and current_ma")
		}
	case "disable", "reset", "enable", "disable-all":
	default:
		return command{}, fmt.Errorf("unknown action %q", cmd.Action)
	}
	return cmd, nil
}

func applyCommand(ctx context.Context, ctrl *hub.Controller, cmd command) error {
	switch cmd.Action {
	case "request":
		return ctrl.RequestPortState(ctx, cmd.Port, pd.Contract{
			VoltageMV: cmd.VoltageMV,
			CurrentMA: cmd.CurrentMA,
			Revision:  pd.Revision(cmd.Revision),
			PPS:       cmd.PPS,
		})
	case "disable":
		return ctrl.DisablePort(ctx, cmd.Port)
	case "disable-all":
		return ctrl.DisableAllPorts(ctx)
	case "reset":
		return ctrl.ResetPort(cmd.Port)
	case "enable":
		return ctrl.EnablePort(cmd.Port)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
