package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"powerscraper/internal/config"
	"powerscraper/pkg/models"
)

// Publisher pushes consumption states to Home Assistant over MQTT
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
}

// New connects to the MQTT broker configured for Home Assistant
func New(cfg config.MQTTConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT publishing is not enabled in config")
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required when enabled")
	}

	topicPrefix := cfg.TopicPrefix
	if topicPrefix == "" {
		topicPrefix = "power_consumption"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID("powerscraper")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: topicPrefix,
	}, nil
}

// statePayload is the retained sensor state consumed by Home Assistant
type statePayload struct {
	Date          string   `json:"date"`
	KWh           float64  `json:"kwh"`
	MonthTotalKWh float64  `json:"month_total_kwh"`
	MeterReading  *float64 `json:"meter_reading,omitempty"`
	Unit          string   `json:"unit"`
}

// PublishDaily publishes one day's consumption under <prefix>/daily/<date>
func (p *Publisher) PublishDaily(record models.DailyConsumption) error {
	payload, err := json.Marshal(statePayload{
		Date: record.Date.Format("2006-01-02"),
		KWh:  record.KWh,
		Unit: "kWh",
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	topic := fmt.Sprintf("%s/daily/%s", p.topicPrefix, record.Date.Format("2006-01-02"))
	if token := p.client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// PublishLatest publishes the most recent day as the sensor's current state
// under <prefix>/state
func (p *Publisher) PublishLatest(record models.DailyConsumption, monthTotal float64, reading *models.MeterReading) error {
	state := statePayload{
		Date:          record.Date.Format("2006-01-02"),
		KWh:           record.KWh,
		MonthTotalKWh: monthTotal,
		Unit:          "kWh",
	}
	if reading != nil {
		state.MeterReading = &reading.Value
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	topic := p.topicPrefix + "/state"
	if token := p.client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the MQTT broker
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
