package sink

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"argusagent/internal/channel"
)

// Factory builds a Sink from a type name and raw string params: validate
// required params, apply defaults, return a fully constructed instance or
// a descriptive error. No goroutines or I/O beyond what construction needs.
type Factory func(name string, params map[string]string, logger *slog.Logger) (channel.Sink, error)

// Registry maps sink type names (the Type field of a sinks.json SinkDef)
// to their Factory.
var Registry = map[string]Factory{
	"file":  newLocalFileFromParams,
	"http":  newHTTPFromParams,
	"mqtt":  newMQTTFromParams,
	"kafka": newKafkaFromParams,
}

func newLocalFileFromParams(name string, p map[string]string, _ *slog.Logger) (channel.Sink, error) {
	path := p["path"]
	if path == "" {
		return nil, fmt.Errorf("file sink %q: path param is required", name)
	}
	return NewLocalFile(LocalFileConfig{
		Name:       name,
		Path:       path,
		MaxSizeMB:  atoiOr(p["max_size_mb"], 100),
		MaxBackups: atoiOr(p["max_backups"], 5),
		Compress:   p["compress"] == "true",
	}), nil
}

func newHTTPFromParams(name string, p map[string]string, _ *slog.Logger) (channel.Sink, error) {
	url := p["url"]
	if url == "" {
		return nil, fmt.Errorf("http sink %q: url param is required", name)
	}
	enc := EncodingText
	if strings.EqualFold(p["encoding"], "msgpack") {
		enc = EncodingMsgpack
	}
	return NewHTTP(HTTPConfig{
		Name:     name,
		URL:      url,
		Timeout:  durationOr(p["timeout"], 10*time.Second),
		Encoding: enc,
		Brotli:   p["brotli"] == "true",
	}), nil
}

func newMQTTFromParams(name string, p map[string]string, _ *slog.Logger) (channel.Sink, error) {
	broker := p["broker"]
	if broker == "" {
		return nil, fmt.Errorf("mqtt sink %q: broker param is required", name)
	}
	topic := p["topic"]
	if topic == "" {
		return nil, fmt.Errorf("mqtt sink %q: topic param is required", name)
	}
	return NewMQTT(MQTTConfig{
		Name:     name,
		Broker:   broker,
		Topic:    topic,
		ClientID: firstNonEmpty(p["client_id"], "argusagentd-"+name),
		QoS:      byte(atoiOr(p["qos"], 0)),
		Timeout:  durationOr(p["timeout"], 10*time.Second),
	})
}

func newKafkaFromParams(name string, p map[string]string, _ *slog.Logger) (channel.Sink, error) {
	brokers := p["brokers"]
	if brokers == "" {
		return nil, fmt.Errorf("kafka sink %q: brokers param is required", name)
	}
	topic := p["topic"]
	if topic == "" {
		return nil, fmt.Errorf("kafka sink %q: topic param is required", name)
	}
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return NewKafka(KafkaConfig{Name: name, Brokers: list, Topic: topic})
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
