package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blockparty/internal/canvas"
	"blockparty/internal/client"
	"blockparty/internal/config"
	"blockparty/internal/names"
	"blockparty/internal/persistence/blob"
	"blockparty/internal/persistence/repo"
	"blockparty/internal/render"
	"blockparty/internal/snapshot"
)

func main() {
	var (
		hubURL   = flag.String("hub", "http://127.0.0.1:8080", "hub base url")
		wsURL    = flag.String("ws", "", "hub websocket url (default: derived from -hub)")
		cfgPath  = flag.String("config", "", "config yaml path (empty: defaults)")
		interval = flag.Duration("interval", 2*time.Second, "placement interval")
		seed     = flag.Int64("seed", 0, "rng seed (0: time-based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	feedURL := strings.TrimSpace(*wsURL)
	if feedURL == "" {
		feedURL = "ws" + strings.TrimPrefix(strings.TrimRight(*hubURL, "/"), "http") + "/v1/ws"
	}

	src := *seed
	if src == 0 {
		src = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(src))
	identity := names.Generate(rng)
	logger.Printf("identity=%q hub=%s ws=%s", identity, *hubURL, feedURL)

	backend := repo.NewRemote(*hubURL)
	grid := canvas.NewStore(cfg.GridSize)
	limiter := canvas.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	events := client.NewEvents()
	events.Subscribe(func(ev client.Event) {
		logger.Printf("event kind=%s world=%s %s", ev.Kind, ev.WorldID, ev.Detail)
	})

	feed := client.NewRealtimeSync(feedURL, cfg.Reconnect, grid, events, logger)
	presence := client.NewTracker(feedURL, identity, cfg.Reconnect, events, logger)

	var uploader snapshot.Uploader
	if cfg.Blob.Endpoint != "" {
		bc, err := blob.New(cfg.Blob.Endpoint, cfg.Blob.Bucket, cfg.Blob.AccessKeyID, cfg.Blob.SecretAccessKey)
		if err != nil {
			logger.Fatalf("blob client: %v", err)
		}
		uploader = &prefixUploader{client: bc, prefix: cfg.Blob.Prefix}
	}
	encoder := &snapshot.FFmpegEncoder{Path: cfg.FFmpegPath, Framerate: 60}
	gen := snapshot.NewGenerator(cfg.CaptureInterval, encoder, uploader, backend, backend, logger)

	mgr := client.NewManager(cfg, backend, grid, limiter, feed, presence, gen, events, identity, logger)
	feed.OnWorldUpdate(mgr.HandleWorldUpdate)
	feed.OnConnected(func(string) {
		if err := mgr.Reconcile(context.Background()); err != nil {
			logger.Printf("reconcile: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		logger.Fatalf("start: %v", err)
	}
	defer mgr.Stop()

	renderer := render.New(cfg.GridSize, 8)
	frame := renderer.FrameFunc(grid.Snapshot)

	place := time.NewTicker(*interval)
	defer place.Stop()
	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()
	capture := time.NewTicker(cfg.CaptureInterval)
	defer capture.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	types := []canvas.BlockType{
		canvas.BlockGrass, canvas.BlockWater, canvas.BlockStone,
		canvas.BlockWood, canvas.BlockHouse, canvas.BlockTree,
	}

	for {
		select {
		case <-sig:
			logger.Printf("stopping")
			return
		case <-tick.C:
			mgr.Tick(ctx)
		case <-capture.C:
			gen.CaptureFrame(frame, false, time.Now())
		case <-place.C:
			x, y := rng.Intn(cfg.GridSize), rng.Intn(cfg.GridSize)
			bt := types[rng.Intn(len(types))]
			if mgr.PlaceBlock(ctx, x, y, bt) {
				logger.Printf("placed %s at (%d,%d)", bt, x, y)
			}
		}
	}
}

// prefixUploader scopes artifact keys under a configured prefix.
type prefixUploader struct {
	client *blob.Client
	prefix string
}

func (u *prefixUploader) key(objectKey string) string {
	if u.prefix == "" {
		return objectKey
	}
	return strings.TrimRight(u.prefix, "/") + "/" + objectKey
}

func (u *prefixUploader) PutBytes(ctx context.Context, objectKey string, data []byte, contentType string) error {
	return u.client.PutBytes(ctx, u.key(objectKey), data, contentType)
}

func (u *prefixUploader) ObjectURL(objectKey string) string {
	return u.client.ObjectURL(u.key(objectKey))
}
