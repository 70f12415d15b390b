// Command visiond is the engine daemon: it owns a channel.Manager, exposes
// the hostapi WebSocket bridge over HTTP, and in demo mode (no real RTSP
// cameras or hardware decoder wired in) drives every channel off the
// synthetic collaborators so the whole pipeline is exercisable end to end.
// Grounded on the teacher's cmd/server main.go (flag-parsed listen address,
// signal-driven shutdown, http.Server wrapping a single mux).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0remac/rtsp-vision/channel"
	"github.com/n0remac/rtsp-vision/decoder"
	"github.com/n0remac/rtsp-vision/draw"
	"github.com/n0remac/rtsp-vision/frame"
	"github.com/n0remac/rtsp-vision/hostapi"
	"github.com/n0remac/rtsp-vision/inference"
	"github.com/n0remac/rtsp-vision/ingest"
	"github.com/n0remac/rtsp-vision/vlog"
)

// drawFrame adapts draw.DrawDetections to channel.Collaborators' Draw shape,
// sizing the viewport render config from the frame's own dimensions since
// demo mode has no separately-negotiated on-screen viewport size.
func drawFrame(dst []byte, dstStride int, f *frame.Frame) {
	dets, ok := f.Detections()
	if !ok {
		return
	}
	cfg := draw.DefaultViewportRenderConfig(f.Width, f.Height)
	draw.DrawDetections(dst, dstStride, f.Width, f.Height, dets, cfg)
}

func main() {
	addr := flag.String("addr", ":8088", "HTTP listen address")
	channels := flag.Int("channels", 2, "number of synthetic demo channels to start")
	fps := flag.Float64("fps", 15, "synthetic ingest frame rate")
	flag.Parse()

	vlog.Init()
	log := vlog.WithComponent(vlog.L(), "visiond")

	collab := channel.Collaborators{
		NewSession: func(channelID int) ingest.RTSPSession {
			return ingest.NewSyntheticSession(float32(*fps))
		},
		NewDecoder: func(codec decoder.Codec) decoder.Decoder {
			return decoder.NewSyntheticDecoder(640, 360)
		},
		NewDetector: inference.FakeDetectorFactory(func() inference.Detector {
			return inference.NewFakeDetector(func(pixels []byte, w, h int) ([]frame.Detection, error) {
				return []frame.Detection{
					{ClassID: 0, ClassName: "object", Confidence: 0.91, X: w / 4, Y: h / 4, W: w / 4, H: h / 4},
				}, nil
			})
		}),
		Draw: drawFrame,
	}

	hub := hostapi.NewHub(nil)
	mgr := channel.New(collab, hub.Listener())
	hub.SetManager(mgr)

	if err := mgr.Initialize([]byte("demo-model")); err != nil {
		log.Error("initialize failed", "err", err)
		os.Exit(1)
	}
	defer mgr.Close()

	stopHub := make(chan struct{})
	go hub.Run(stopHub)

	for id := 0; id < *channels; id++ {
		if err := mgr.CreateChannel(id); err != nil {
			log.Error("create_channel failed", "id", id, "err", err)
			continue
		}
		url := fmt.Sprintf("rtsp://demo/channel%d", id)
		if err := mgr.StartChannel(id, url); err != nil {
			log.Error("start_channel failed", "id", id, "err", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	close(stopHub)
}
