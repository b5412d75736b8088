package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/switchyard/internal/buildinfo"
	"github.com/nugget/switchyard/internal/config"
)

// statusQueueSize bounds buffered status events. Events beyond it are
// dropped rather than blocking a request.
const statusQueueSize = 256

// StatusEvent is one stage transition published to the status topic.
type StatusEvent struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Publisher manages the MQTT connection, publishes HA discovery config
// on (re-)connect, forwards status events and periodically pushes
// sensor state.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counts     *DailyCounts
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	events  chan StatusEvent
	dropped atomic.Int64
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, counts *DailyCounts, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if counts == nil {
		counts = NewDailyCounts(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counts:     counts,
		logger:     logger.With("component", "mqtt"),
		events:     make(chan StatusEvent, statusQueueSize),
	}
}

// OnStatus queues a stage transition for publishing. It never blocks;
// when the queue is full the event is dropped and counted.
func (p *Publisher) OnStatus(stage, message string) {
	select {
	case p.events <- StatusEvent{Stage: stage, Message: message, Time: time.Now()}:
	default:
		p.dropped.Add(1)
	}
}

// OnRoute records a completed routing decision in the daily counters.
func (p *Publisher) OnRoute(strategy string, usedAgent bool, fallbackReason string) {
	p.counts.OnRoute(strategy, usedAgent, fallbackReason)
}

// Start connects to the broker and runs the publish loop. It blocks
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "switchyard-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// ctx bounds how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	if p.cfg.BaseTopic != "" {
		return p.cfg.BaseTopic
	}
	return "switchyard/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, label, icon string) sensorDef {
	return sensorDef{
		entitySuffix: entity,
		config: SensorConfig{
			Name:              p.device.Name + " " + label,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	counters := []sensorDef{
		p.sensor("requests_today", "Requests Today", "mdi:counter"),
		p.sensor("agent_requests_today", "Agent Requests Today", "mdi:robot"),
		p.sensor("fallbacks_today", "Fallbacks Today", "mdi:call-split"),
	}
	for i := range counters {
		counters[i].config.StateClass = "total_increasing"
		counters[i].config.UnitOfMeasurement = "requests"
	}

	defs := []sensorDef{uptime, version}
	defs = append(defs, counters...)
	return append(defs,
		p.sensor("last_strategy", "Last Strategy", "mdi:routes"),
		p.sensor("last_fallback", "Last Fallback Reason", "mdi:alert-circle-outline"),
	)
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Publish loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.publishStatus(ctx, ev)
		case <-ticker.C:
			p.publishStates(ctx)
			if n := p.dropped.Swap(0); n > 0 {
				p.logger.Warn("mqtt status events dropped", "dropped", n, "interval", interval)
			}
		}
	}
}

func (p *Publisher) publishStatus(ctx context.Context, ev StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "stage", ev.Stage, "error", err)
	}
}

// stateValues renders the current sensor states.
func (p *Publisher) stateValues() map[string]string {
	snap := p.counts.Snapshot()
	states := map[string]string{
		"uptime":               buildinfo.Uptime().Truncate(time.Second).String(),
		"version":              buildinfo.Version,
		"requests_today":       strconv.FormatInt(snap.Requests, 10),
		"agent_requests_today": strconv.FormatInt(snap.Agents, 10),
		"fallbacks_today":      strconv.FormatInt(snap.Fallbacks, 10),
		"last_strategy":        snap.LastStrategy,
		"last_fallback":        snap.LastFallback,
	}
	for k, v := range states {
		if v == "" {
			states[k] = "none"
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.stateValues()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
