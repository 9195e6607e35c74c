package hass

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/joshp123/gohome-vacuum/internal/config"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	publishTimeout = 5 * time.Second
)

// Topics builds every topic the bridge publishes or listens on.
type Topics struct {
	Base      string
	Discovery string

	commandPattern *regexp.Regexp
}

func NewTopics(base, discovery string) Topics {
	return Topics{
		Base:           base,
		Discovery:      discovery,
		commandPattern: regexp.MustCompile(fmt.Sprintf(`^%s/vacuum/([A-Za-z0-9_-]+)/(command|set_fan_speed|send_command)$`, regexp.QuoteMeta(base))),
	}
}

func (t Topics) BridgeState() string {
	return fmt.Sprintf("%s/bridge/state", t.Base)
}

func (t Topics) Config(objectID string) string {
	return fmt.Sprintf("%s/vacuum/%s/config", t.Discovery, objectID)
}

func (t Topics) State(objectID string) string {
	return fmt.Sprintf("%s/vacuum/%s/state", t.Base, objectID)
}

func (t Topics) Attributes(objectID string) string {
	return fmt.Sprintf("%s/vacuum/%s/attributes", t.Base, objectID)
}

func (t Topics) Command(objectID string) string {
	return fmt.Sprintf("%s/vacuum/%s/command", t.Base, objectID)
}

func (t Topics) SetFanSpeed(objectID string) string {
	return fmt.Sprintf("%s/vacuum/%s/set_fan_speed", t.Base, objectID)
}

func (t Topics) SendCommand(objectID string) string {
	return fmt.Sprintf("%s/vacuum/%s/send_command", t.Base, objectID)
}

// Subscription matches every command topic of every vacuum.
func (t Topics) Subscription() string {
	return fmt.Sprintf("%s/vacuum/+/+", t.Base)
}

// ParseCommandTopic extracts the object id and command kind from an incoming
// topic.
func (t Topics) ParseCommandTopic(topic string) (objectID, kind string, err error) {
	matches := t.commandPattern.FindStringSubmatch(topic)
	if len(matches) != 3 {
		return "", "", errors.New("invalid command topic")
	}
	return matches[1], matches[2], nil
}

// Options builds paho client options with a retained offline last will on the
// bridge state topic.
func Options(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("gohome_vacuum_%d", rand.IntN(1000)))
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetWill(NewTopics(cfg.BaseTopic, cfg.DiscoveryTopic).BridgeState(), PayloadOffline, 0, true)
	return opts
}

func wait(token mqtt.Token, action string) error {
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt %s timed out", action)
	}
	return token.Error()
}
