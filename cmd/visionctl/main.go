// Command visionctl is a terminal status client for a running visiond: it
// connects to the hostapi WebSocket endpoint, prints every inbound event as
// a colorized status line, and can send one command before it starts
// listening. Grounded on five82-reel's internal/reporter/terminal.go (a
// fixed palette of *color.Color values reused across print calls, labels
// padded to a constant width).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
)

var (
	cyan    = color.New(color.FgCyan, color.Bold)
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow, color.Bold)
	red     = color.New(color.FgRed, color.Bold)
	magenta = color.New(color.FgMagenta)
	bold    = color.New(color.Bold)
	dim     = color.New(color.Faint)
)

const labelWidth = 12

type inboundEvent struct {
	Kind      string `json:"kind"`
	ChannelID int    `json:"channel_id"`
	State     string `json:"state,omitempty"`
	Count     int    `json:"count,omitempty"`
	Message   string `json:"message,omitempty"`
}

func printLabel(label string, args ...interface{}) {
	padded := fmt.Sprintf("%-*s", labelWidth, label)
	fmt.Printf("%s %s\n", bold.Sprint(padded), fmt.Sprint(args...))
}

func printEvent(ev inboundEvent) {
	ts := dim.Sprintf("%s", time.Now().Format("15:04:05"))
	switch ev.Kind {
	case "state":
		stateColor := stateColorFor(ev.State)
		printLabel(ts, fmt.Sprintf("channel %d state -> %s", ev.ChannelID, stateColor.Sprint(ev.State)))
	case "frame":
		printLabel(ts, dim.Sprintf("channel %d frame", ev.ChannelID))
	case "detections":
		printLabel(ts, green.Sprintf("channel %d: %d detection(s)", ev.ChannelID, ev.Count))
	case "error":
		printLabel(ts, red.Sprintf("channel %d error: %s", ev.ChannelID, ev.Message))
	default:
		printLabel(ts, magenta.Sprintf("unknown event %q", ev.Kind))
	}
}

func stateColorFor(s string) *color.Color {
	switch s {
	case "active":
		return green
	case "connecting", "reconnecting":
		return yellow
	case "error":
		return red
	default:
		return dim
	}
}

func main() {
	addr := flag.String("addr", "localhost:8088", "visiond host:port")
	cmdType := flag.String("cmd", "", "one command to send before listening, e.g. create_channel")
	chID := flag.Int("channel", 0, "channel_id argument for -cmd")
	rtspURL := flag.String("url", "", "url argument for -cmd (start_channel/set_rtsp_url)")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	_, _ = cyan.Printf("connecting to %s\n", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if *cmdType != "" {
		payload := map[string]interface{}{"type": *cmdType, "channel_id": *chID}
		if *rtspURL != "" {
			payload["url"] = *rtspURL
		}
		b, _ := json.Marshal(payload)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Fatalf("send command: %v", err)
		}
		_, _ = green.Printf("sent %s for channel %d\n", *cmdType, *chID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				_, _ = red.Printf("connection closed: %v\n", err)
				return
			}
			var ev inboundEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			printEvent(ev)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case <-sigCh:
		_, _ = dim.Println("interrupted")
	}
}
