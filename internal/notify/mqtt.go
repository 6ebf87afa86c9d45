// Package notify publishes command lifecycle events over MQTT so
// external systems can observe completions without polling the state
// store. Publishing is best-effort and never affects command state.
package notify

import (
	"context"
	"fmt"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/ibs-source/command/engine/golang/internal/command"
	"github.com/ibs-source/command/engine/golang/internal/config"
	"github.com/ibs-source/command/engine/golang/internal/ports"
	"github.com/ibs-source/command/engine/golang/pkg/circuitbreaker"
	"github.com/ibs-source/command/engine/golang/pkg/jsonx"
)

// event is the published lifecycle payload.
type event struct {
	CommandID   string     `json:"commandId"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// MQTTNotifier implements ports.Notifier on a Paho client. A circuit
// breaker guards publishes so a dead broker cannot stall the consume
// loop.
type MQTTNotifier struct {
	client  mqttlib.Client
	cfg     *config.NotifyConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  ports.Logger
}

// NewMQTTNotifier creates and connects the notifier.
func NewMQTTNotifier(cfg *config.NotifyConfig, logger ports.Logger) (*MQTTNotifier, error) {
	opts := mqttlib.NewClientOptions()
	for _, broker := range cfg.Brokers {
		opts.AddBroker(broker)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectDelay)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(4) // MQTT 3.1.1

	n := &MQTTNotifier{
		client:  mqttlib.NewClient(opts),
		cfg:     cfg,
		breaker: circuitbreaker.New("notify-publish", cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout),
		logger:  logger.WithFields(ports.Field{Key: "component", Value: "notifier"}),
	}

	token := n.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	n.logger.Info("notifier connected", ports.Field{Key: "topic", Value: cfg.Topic})
	return n, nil
}

// CommandCompleted publishes one lifecycle event for a terminal state.
func (n *MQTTNotifier) CommandCompleted(ctx context.Context, st command.State) error {
	payload, err := jsonx.Marshal(event{
		CommandID:   st.ID,
		Type:        st.Type,
		Status:      string(st.Status),
		Error:       st.Error,
		CompletedAt: st.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}

	return n.breaker.Execute(func() error {
		if !n.client.IsConnected() {
			return fmt.Errorf("mqtt not connected")
		}
		token := n.client.Publish(n.cfg.Topic, n.cfg.QoS, false, payload)
		return n.waitForToken(ctx, token)
	})
}

// Close disconnects the client.
func (n *MQTTNotifier) Close() {
	if n.client == nil {
		return
	}
	ms := n.cfg.WriteTimeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	n.client.Disconnect(uint(ms))
}

// waitForToken waits for a Paho token, honoring both ctx and the write
// timeout with a bounded polling tick.
func (n *MQTTNotifier) waitForToken(ctx context.Context, token mqttlib.Token) error {
	deadline := time.Now().Add(n.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	tick := n.cfg.WriteTimeout / 20
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}

	for {
		if token.WaitTimeout(tick) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("publish timeout after %s", n.cfg.WriteTimeout)
		}
	}
}
