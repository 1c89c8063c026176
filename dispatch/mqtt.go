package dispatch

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tracewire/tracewire/ipc"
	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
)

// mqttPublishTimeout bounds one broker publish.
const mqttPublishTimeout = 2 * time.Second

// MQTTConfig configures the MQTT publisher sink.
type MQTTConfig struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string
	// ClientID identifies this session to the broker.
	ClientID string
	// Topic is the publish topic. Required.
	Topic string
	// QoS is the MQTT quality of service (0 or 1).
	QoS byte
	// Username / Password are optional broker credentials.
	Username string
	Password string
	// QueueSize bounds the outbound queue (0 = 256).
	QueueSize int
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// MQTTPublisher publishes each frame as JSON to a broker topic on its own
// worker. Best effort: a failed publish is logged and counted, and the next
// frame goes out normally.
type MQTTPublisher struct {
	cfg    MQTTConfig
	logger *log.Logger
	coll   *metrics.Collector
	client mqtt.Client
	queue  chan Delivery
	done   chan struct{}
}

// NewMQTTPublisher connects to the broker and starts the publish worker.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.BrokerURL == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt publisher needs a broker URL and a topic")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tracewire"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt publisher: connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt publisher: connect to %s: %w", cfg.BrokerURL, err)
	}

	p := &MQTTPublisher{
		cfg:    cfg,
		logger: logger.Named("mqtt"),
		coll:   cfg.Collector,
		client: client,
		queue:  make(chan Delivery, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Name implements Sink.
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Deliver implements Sink. Non-blocking; drops and counts on a full queue.
func (p *MQTTPublisher) Deliver(d Delivery) {
	select {
	case p.queue <- d:
	default:
		p.coll.IncSinkDrop(p.Name())
	}
}

func (p *MQTTPublisher) run() {
	defer close(p.done)
	for d := range p.queue {
		payload, err := ipc.Marshal(d.Frame)
		if err != nil {
			p.logger.Error("frame serialization failed", map[string]any{"error": err.Error()})
			continue
		}
		token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
		if !token.WaitTimeout(mqttPublishTimeout) || token.Error() != nil {
			p.coll.IncSinkDrop(p.Name())
			p.logger.Warn("publish failed", map[string]any{
				"topic": p.cfg.Topic,
			})
		}
	}
}

// Close implements Sink: drains the queue and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	close(p.queue)
	<-p.done
	p.client.Disconnect(250)
	return nil
}
