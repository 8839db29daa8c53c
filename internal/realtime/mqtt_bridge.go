package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/observability"
	"github.com/benmeehan/hybrid-tracker/pkg/mqtt"
)

// MQTTBridge republishes events on vehicle/<id>/location, vehicle/<id>/alerts
// and vehicle/<id>/status.
type MQTTBridge struct {
	client mqtt.MQTTClient
	qos    byte
	logger zerolog.Logger
}

func NewMQTTBridge(client mqtt.MQTTClient, qos byte, logger zerolog.Logger) *MQTTBridge {
	return &MQTTBridge{client: client, qos: qos, logger: logger}
}

// MQTTTopic maps an event to its broker topic.
func MQTTTopic(ev models.Event) string {
	suffix := "location"
	switch ev.Type {
	case constants.EventAlertTriggered:
		suffix = "alerts"
	case constants.EventDeviceStatus:
		suffix = "status"
	}
	return "vehicle/" + ev.VehicleID + "/" + suffix
}

// Publish hands the event to the client without waiting for the broker.
func (b *MQTTBridge) Publish(_ context.Context, ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode event for MQTT")
		return
	}
	topic := MQTTTopic(ev)
	token := b.client.Publish(topic, b.qos, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			observability.SinkErrors.WithLabelValues("mqtt").Inc()
			b.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (b *MQTTBridge) Close() {
	b.client.Disconnect(250)
}
