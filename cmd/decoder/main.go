// Command decoder connects to a running engine's dashboard WebSocket and
// prints every frame in human-readable form. Useful for watching position,
// stats, and venue-connection health from a terminal without a browser.
//
// Usage:
//
//	decoder                              # connect to localhost:8788/ws
//	decoder -url ws://host:8788/ws       # custom endpoint
//	decoder -json                        # print raw JSON instead of a summary line
//	decoder -stats 10                    # print message rate stats every N seconds
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// frameEnvelope is enough of the wire shape to dispatch on Type without
// fully decoding the embedded state/status payload.
type frameEnvelope struct {
	Type string          `json:"type"`
	TsMs int64           `json:"tsMs"`
	Raw  json.RawMessage `json:"-"`
}

type dashboardPayload struct {
	State struct {
		OpenPosition *struct {
			Side   string  `json:"side"`
			Size   float64 `json:"size"`
			Entry  float64 `json:"entryPx"`
		} `json:"openPosition"`
		Stats struct {
			RealizedPnlUsd float64 `json:"realizedPnlUsd"`
			TotalTrades    int     `json:"totalTrades"`
		} `json:"stats"`
		Safety struct {
			Status string `json:"status"`
		} `json:"safety"`
	} `json:"state"`
}

type wsStatusPayload struct {
	Status struct {
		Connected     bool  `json:"connected"`
		LastMessageMs int64 `json:"lastMessageMs"`
	} `json:"status"`
}

func main() {
	url := flag.String("url", "ws://localhost:8788/ws", "dashboard WebSocket endpoint")
	useJSON := flag.Bool("json", false, "print raw JSON frames instead of a summary line")
	statsInterval := flag.Int("stats", 0, "print frame rate stats every N seconds (0 = off)")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("connecting to %s", *url)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	log.Println("connected")

	var frameCount uint64
	if *statsInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
			defer ticker.Stop()
			var last uint64
			for range ticker.C {
				cur := atomic.LoadUint64(&frameCount)
				delta := cur - last
				rate := float64(delta) / float64(*statsInterval)
				log.Printf("[stats] %d frames total | %.1f frames/sec", cur, rate)
				last = cur
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		atomic.AddUint64(&frameCount, 1)

		if *useJSON {
			os.Stdout.Write(data)
			os.Stdout.Write([]byte("\n"))
			continue
		}
		printFrame(data)
	}
}

func printFrame(data []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("??? malformed frame: %v", err)
		return
	}

	switch env.Type {
	case "dashboard":
		var p dashboardPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("DASHBOARD malformed: %v", err)
			return
		}
		pos := "flat"
		if p.State.OpenPosition != nil {
			pos = p.State.OpenPosition.Side
		}
		log.Printf("DASHBOARD safety=%-8s pos=%-5s trades=%-4d pnl=%.2f",
			p.State.Safety.Status, pos, p.State.Stats.TotalTrades, p.State.Stats.RealizedPnlUsd)
	case "ws-status-v1":
		var p wsStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("WS-STATUS malformed: %v", err)
			return
		}
		log.Printf("WS-STATUS connected=%v lastMsgMs=%d", p.Status.Connected, p.Status.LastMessageMs)
	default:
		log.Printf("UNKNOWN frame type=%q len=%d", env.Type, len(data))
	}
}
