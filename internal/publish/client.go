package publish

import (
	"log"
	"time"

	"probe-calib/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// NewClient builds a paho client from cfg without connecting it. Every
// onConnect hook runs after each successful (re)connection, so subscriptions
// made there survive broker restarts. It returns nil when no broker is
// configured.
func NewClient(cfg config.MQTTConfig, logger *log.Logger, onConnect ...func(mqtt.Client)) mqtt.Client {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Broker == "" {
		logger.Println("MQTT disabled: no broker configured")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOnConnectHandler(onConnectHandler(cfg.Broker, logger, onConnect))
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	})

	return mqtt.NewClient(opts)
}

// Start connects client in the background, retrying until it succeeds.
func Start(client mqtt.Client, logger *log.Logger) {
	if client == nil {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	go connectWithRetry(client, logger)
}

func onConnectHandler(broker string, logger *log.Logger, hooks []func(mqtt.Client)) mqtt.OnConnectHandler {
	return func(c mqtt.Client) {
		logger.Printf("MQTT connected to %s", broker)
		for _, hook := range hooks {
			hook(c)
		}
	}
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func connectWithRetry(client mqtt.Client, logger *log.Logger) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		token := client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				return
			}
			logger.Printf("MQTT connection failed: %v", token.Error())
		} else {
			logger.Println("MQTT connection timeout")
		}

		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}
