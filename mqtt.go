package skylink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const mqttRepublishInterval = 60 * time.Second

// StatusPublisher mirrors the agent status to retained MQTT topics so a
// home dashboard can show it:
//
//	<topic>/status      full AgentStatus JSON
//	<topic>/failed      JSON list of commanders with a rejected credential
type StatusPublisher struct {
	client mqtt.Client
	topic  string
	source StatusSource

	trigger chan struct{}
}

// NewStatusPublisher prepares a client for host. Connect happens in Run.
func NewStatusPublisher(host, user, pass, clientID, topic string, source StatusSource) *StatusPublisher {
	p := &StatusPublisher{topic: topic, source: source, trigger: make(chan struct{}, 1)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(host)
	opts.SetClientID(clientID)
	opts.SetUsername(user)
	opts.SetPassword(pass)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(p.statusTopic(), fmt.Sprintf(`{"status":%q}`, StatusStopped), 1, true)
	opts.OnConnect = func(client mqtt.Client) {
		logrus.Println("Connected to MQTT")
		p.Notify()
	}
	opts.OnConnectionLost = connectLostHandler
	p.client = mqtt.NewClient(opts)
	return p
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logrus.Printf("MQTT Connection lost: %v", err)
}

func (p *StatusPublisher) statusTopic() string { return p.topic + "/status" }
func (p *StatusPublisher) failedTopic() string { return p.topic + "/failed" }

// Notify asks for a publish soon. It never blocks.
func (p *StatusPublisher) Notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run connects and publishes on every Notify and once a minute. On exit it
// publishes a final Stopped status and disconnects.
func (p *StatusPublisher) Run(ctx context.Context) error {
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		logrus.Warn("MQTT connect is slow, continuing in the background")
	} else if token.Error() != nil {
		logrus.WithError(token.Error()).Warn("MQTT connect failed, retrying in the background")
	}

	ticker := time.NewTicker(mqttRepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			status := p.source(context.Background())
			status.StatusReport = StatusReport{Status: StatusStopped, Message: "Agent stopped", Since: time.Now()}
			p.publish(status)
			p.client.Disconnect(250)
			return nil
		case <-p.trigger:
		case <-ticker.C:
		}
		p.publish(p.source(ctx))
	}
}

func (p *StatusPublisher) publish(status AgentStatus) {
	if !p.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(status)
	if err != nil {
		logrus.WithError(err).Error("MQTT: could not encode status")
		return
	}
	p.send(p.statusTopic(), payload)

	failed := make([]string, 0)
	for _, identity := range status.Identities {
		if identity.AuthFailed {
			failed = append(failed, identity.Name.String())
		}
	}
	payload, _ = json.Marshal(failed)
	p.send(p.failedTopic(), payload)
}

func (p *StatusPublisher) send(topic string, payload []byte) {
	token := p.client.Publish(topic, 1, true, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		logrus.WithError(token.Error()).Warnf("MQTT: publish to %s failed", topic)
	}
}
