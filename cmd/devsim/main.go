// devsim is a fake camera device for exercising the hub end to end:
// it dials the gateway, joins, reports device info, heartbeats on a
// ticker, and answers server-initiated probes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drifthub/internal/auth"
	"drifthub/internal/protocol"
)

func main() {
	host := flag.String("host", "127.0.0.1:9000", "gateway host:port")
	roomID := flag.String("room", "f2374f8400a763e03e35745d71b01275", "room id")
	serial := flag.String("sn", "74TNABDGNAA0YW01", "device serial")
	deviceID := flag.String("device", "00a4b5697e3d16796b818d656ccea433", "32-char device id")
	language := flag.String("lang", "zh-CN", "device language")
	secret := flag.String("secret", "", "auth secret; when set, a token is minted and attached")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	url := fmt.Sprintf("ws://%s/api/ws/v1/manyRoom/%s/%s/device/%s/%s",
		*host, *roomID, *serial, *deviceID, *language)
	if *secret != "" {
		token, err := auth.GenerateDeviceToken(*secret, *deviceID, *serial, *roomID, 24*time.Hour)
		if err != nil {
			log.Fatalf("minting token: %v", err)
		}
		url += "?token=" + token
	}

	log.Printf("dialing %s", url)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(env *protocol.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			log.Printf("marshal: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Fatalf("write: %v", err)
		}
		log.Printf(">> %s", data)
	}

	info, _ := json.Marshal(protocol.DefaultDeviceInfo(*serial))

	send(&protocol.Envelope{
		Type:     protocol.TypeNotify,
		Event:    protocol.EventDeviceJoin,
		DeviceID: *deviceID,
		PlayID:   uuid.NewString(),
	})
	send(&protocol.Envelope{
		Type:     protocol.TypeNotify,
		Event:    protocol.EventDeviceInfo,
		DeviceID: *deviceID,
		PlayID:   uuid.NewString(),
		Data:     info,
	})

	// Reader: print replies, answer probes with a fresh info report.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("connection closed: %v", err)
				os.Exit(0)
			}
			log.Printf("<< %s", data)

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Type == protocol.TypeControl && env.Event == protocol.EventDeviceInfo {
				send(&protocol.Envelope{
					Type:     protocol.TypeNotify,
					Event:    protocol.EventDeviceInfo,
					DeviceID: *deviceID,
					PlayID:   env.PlayID,
					Data:     info,
				})
			}
		}
	}()

	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		select {
		case <-ticker.C:
			send(&protocol.Envelope{
				Type:     protocol.TypeNotify,
				Event:    protocol.EventJoin,
				DeviceID: *deviceID,
			})
		case <-stop:
			log.Println("powering off")
			send(&protocol.Envelope{
				Type:     protocol.TypeDeviceControl,
				Event:    protocol.EventPowerOff,
				DeviceID: *deviceID,
				PlayID:   uuid.NewString(),
			})
			time.Sleep(time.Second)
			return
		}
	}
}
