// Package alert implements the Alert Sink: a pure subscriber of the
// External Adapter's event bus, filtered to safety-critical transitions,
// that publishes to an MQTT broker for external paging/alerting. Like the
// Telemetry Publisher, it holds no state the Bridge or drivers read back.
package alert

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/adapter"
)

const statusTopic = "bridge/status"

// Sink publishes {emergency_stop, bridge_state_changed} events to the
// configured broker, each on bridge/alert/<kind>, QoS 1 and retained, so a
// newly-connecting alerting subscriber immediately sees the last known state.
// statusTopic carries only the sink's own online/offline presence (also the
// Last Will).
type Sink struct {
	client paho.Client
	logger *zap.Logger

	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

func New(broker, clientID string, logger *zap.Logger) (*Sink, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(statusTopic, `{"status":"offline"}`, 1, true)

	s := &Sink{logger: logger}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) onConnect(client paho.Client) {
	s.logger.Info("alert sink connected to mqtt broker")
	token := client.Publish(statusTopic, 1, true, `{"status":"online"}`)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Warn("alert sink: failed to publish online status", zap.Error(err))
	}
}

func (s *Sink) onConnectionLost(client paho.Client, err error) {
	s.logger.Warn("alert sink: connection to mqtt broker lost", zap.Error(err))
}

// Run subscribes to emergency_stop and bridge_state_changed events and
// publishes each as a small JSON payload, until Close is called.
func (s *Sink) Run(bus *adapter.Bus) {
	ch, unsubscribe := bus.Subscribe(adapter.EventEmergencyStop, adapter.EventBridgeStateChanged)
	s.unsubscribe = unsubscribe
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.publish(ev)
			}
		}
	}()
}

func (s *Sink) publish(ev adapter.Event) {
	payload, err := json.Marshal(map[string]any{
		"kind":    string(ev.Kind),
		"payload": ev.Payload,
	})
	if err != nil {
		s.logger.Warn("alert sink: failed to encode event", zap.Error(err))
		return
	}

	topic := fmt.Sprintf("bridge/alert/%s", ev.Kind)
	token := s.client.Publish(topic, 1, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Warn("alert sink: publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Close stops the subscriber loop, announces offline, and disconnects.
func (s *Sink) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	token := s.client.Publish(statusTopic, 1, true, `{"status":"offline"}`)
	token.Wait()
	s.client.Disconnect(250)
}
