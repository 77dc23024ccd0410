// Package kafka publishes tag changes and PLC health to Kafka topics and consumes
// tag write requests from a write topic.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"omroncip/config"
)

// SASL mechanisms accepted in KafkaConfig.SASLMechanism.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// DefaultWriteMaxAge is how old a write request may be before it is skipped.
const DefaultWriteMaxAge = 2 * time.Second

// Topics are the topic names one cluster uses.
type Topics struct {
	Tags      string
	Health    string
	Writes    string
	Responses string
}

// TopicsFor derives topic names from the namespace and selector. An explicit
// Topic in the config overrides the tag topic; the health topic follows it.
func TopicsFor(cfg *config.KafkaConfig, namespace string) Topics {
	base := joinTopic(namespace, cfg.Selector)
	t := Topics{
		Tags:      joinTopic(base, "tags"),
		Writes:    joinTopic(base, "writes"),
		Responses: joinTopic(base, "write-responses"),
	}
	if cfg.Topic != "" {
		t.Tags = cfg.Topic
	}
	t.Health = t.Tags + ".health"
	return t
}

func joinTopic(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "-"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "-")
}

func consumerGroup(cfg *config.KafkaConfig) string {
	if cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}
	return "omroncip-" + cfg.Name + "-writers"
}

func writeMaxAge(cfg *config.KafkaConfig) time.Duration {
	if cfg.WriteMaxAge > 0 {
		return cfg.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

func autoCreateTopics(cfg *config.KafkaConfig) bool {
	return cfg.AutoCreateTopics == nil || *cfg.AutoCreateTopics
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// username is set.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch strings.ToUpper(cfg.SASLMechanism) {
	case SASLNone, SASLPlain:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}

// newDialer creates a Kafka dialer with auth and TLS.
func newDialer(cfg *config.KafkaConfig) (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mechanism,
	}, nil
}

// newTransport creates a Kafka transport with auth and TLS.
func newTransport(cfg *config.KafkaConfig) (*kafka.Transport, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(cfg),
		SASL:        mechanism,
	}, nil
}
