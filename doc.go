// Package mq provides a lightweight, idiomatic MQTT v3.1.1 client library for Go.
//
// The library provides a clean, functional options-based API for connecting
// to MQTT brokers, publishing messages, and subscribing to topics, with
// pluggable session persistence and interceptor hooks for cross-cutting
// concerns like logging and tracing.
//
// # Features
//
//   - Full MQTT v3.1.1 support (CONNECT/CONNACK through DISCONNECT)
//   - QoS 0, 1, and 2 publish/subscribe with retry and de-duplication
//   - TLS/SSL encrypted connections
//   - Automatic reconnection with exponential backoff
//   - Clean, idiomatic Go API with functional options
//   - Context-based cancellation and timeouts
//   - Pluggable session persistence (SessionStore) for QoS 1/2 replay across restarts
//   - Handler and publish interceptors for logging, metrics, and tracing
//
// # Quick Start
//
// Connect to a server and publish a message:
//
//	client, err := mq.Dial("tcp://localhost:1883", mq.WithClientID("my-client"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
//	token := client.Publish("sensors/temperature", []byte("22.5"), mq.WithQoS(1))
//	err = token.Wait(context.Background())  // 'select' also supported, see further down
//
// Subscribe to a topic:
//
//	client.Subscribe("sensors/+/temperature", mq.AtLeastOnce,
//	    func(c *mq.Client, msg mq.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, string(msg.Payload))
//	    })
//
// # Connection Options
//
// The Dial and DialContext functions accept various options to configure the client:
//
//   - WithClientID(id) - Set the MQTT client identifier
//   - WithCredentials(user, pass) - Set username and password
//   - WithKeepAlive(duration) - Set keepalive interval (default: 60s)
//   - WithCleanSession(bool) - Set the clean session flag
//   - WithAutoReconnect(bool) - Enable auto-reconnect (default: true)
//   - WithTLS(config) - Enable TLS encryption
//   - WithWill(topic, payload, qos, retained) - Set Last Will and Testament
//   - WithMaxInFlight(n) - Cap concurrent unacknowledged QoS 1/2 publishes
//   - WithSessionStore(store) - Persist session state across restarts
//   - WithHandlerInterceptor / WithPublishInterceptor - Wrap message handling and publishing
//
// # TLS Connections
//
// The library supports TLS/SSL encrypted connections:
//
//	client, err := mq.Dial("tls://server:8883",
//	    mq.WithClientID("secure-client"),
//	    mq.WithTLS(&tls.Config{
//	        InsecureSkipVerify: false,
//	    }))
//
// Supported URL schemes: tcp://, mqtt://, tls://, ssl://, mqtts://
//
// # Quality of Service
//
// The library supports all three MQTT QoS levels:
//
//   - QoS 0 (mq.AtMostOnce): At most once delivery (fire and forget)
//   - QoS 1 (mq.AtLeastOnce): At least once delivery (acknowledged)
//   - QoS 2 (mq.ExactlyOnce): Exactly once delivery (assured)
//
// Example:
//
//	// Using named constants (recommended)
//	client.Publish("topic", []byte("data"), mq.WithQoS(mq.AtLeastOnce))
//
//	// Using numeric values
//	client.Publish("topic", []byte("data"), mq.WithQoS(1))
//
// # Wildcard Subscriptions
//
// MQTT supports two wildcard characters in topic filters:
//
//   - '+' matches a single level (e.g., "sensors/+/temperature")
//   - '#' matches multiple levels (e.g., "sensors/#")
//
// Example:
//
//	// Subscribe to all temperature sensors
//	client.Subscribe("sensors/+/temperature", mq.AtLeastOnce, handler)
//
//	// Subscribe to all sensor data
//	client.Subscribe("sensors/#", mq.AtMostOnce, handler)
//
// # Flow Control
//
// MaxInFlight bounds the number of unacknowledged QoS 1/2 publishes the
// client will have outstanding at once; further publishes queue locally
// until an acknowledgment frees a slot. This is enforced entirely
// client-side, since MQTT v3.1.1 has no broker-negotiated receive-maximum.
//
//	client, err := mq.Dial(server, mq.WithMaxInFlight(20))
//
// # Client-side Session Persistence
//
// The library supports pluggable session persistence to save pending messages (QoS 1 & 2)
// and subscriptions across restarts.
//
//	store, _ := mq.NewFileStore("/path/to/persist", "client-id")
//	client, _ := mq.Dial(server,
//	    mq.WithClientID("client-id"),
//	    mq.WithCleanSession(false),
//	    mq.WithSessionStore(store),
//	    // persistent subscription
//	    mq.WithSubscription("topic", handler),
//	)
//
// # Interceptors
//
// HandlerInterceptor wraps every incoming message handler; PublishInterceptor
// wraps every outbound Publish call. Both compose, with interceptors added
// first running outermost — useful for logging, metrics, and tracing without
// touching application handlers.
//
//	client, _ := mq.Dial(server,
//	    mq.WithHandlerInterceptor(func(next mq.MessageHandler) mq.MessageHandler {
//	        return func(c *mq.Client, m mq.Message) {
//	            log.Printf("received %s", m.Topic)
//	            next(c, m)
//	        }
//	    }),
//	)
//
// # Error Handling
//
// Operations return a Token that can be used for both blocking and non-blocking
// error handling.
//
//	// Blocking with timeout
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := token.Wait(ctx); err != nil {
//	    log.Printf("operation failed: %v", err)
//	}
//
//	// Non-blocking with select
//	select {
//	case <-token.Done():
//	    if err := token.Error(); err != nil {
//	        log.Printf("Failed: %v", err)
//	    }
//	case <-time.After(5 * time.Second):
//	    log.Println("Timeout")
//	}
//
// The client handles reconnection automatically unless configured otherwise.
package mq
