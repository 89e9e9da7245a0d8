package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/client"
	"github.com/example/canvas-sync/internal/observability"
	"github.com/example/canvas-sync/internal/types"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	room := flag.String("room", "room-loadtest", "room id used by all clients")
	clients := flag.Int("clients", 200, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of cursor moves and shape edits to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between moves")
	flag.Parse()

	logger := observability.NewLogger("canvas-loadtest").With().Str("room", *room).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	latencyCh := make(chan latencySample, *clients**messages)
	var (
		wg        sync.WaitGroup
		connected sync.WaitGroup
	)
	connected.Add(*clients)

	var (
		driver   *client.History
		driverID string
		driverMu sync.Mutex
	)

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			userID := fmt.Sprintf("client-%d-%s", id, uuid.NewString()[:8])

			var once sync.Once
			socket, err := client.NewSocket(client.SocketConfig{
				URL:       *addr,
				RoomID:    *room,
				UserID:    userID,
				OnConnect: func() { once.Do(connected.Done) },
			}, logger)
			if err != nil {
				logger.Error().Err(err).Str("client", userID).Msg("invalid socket config")
				once.Do(connected.Done)
				return
			}

			history := client.NewHistory(types.RoomID(*room), client.Identity{UserID: userID, Username: userID}, socket, zerolog.Nop())
			defer history.Close()

			if id == 0 {
				driverMu.Lock()
				driver, driverID = history, userID
				driverMu.Unlock()
			}

			onMessage := func(data []byte) {
				history.OnMessage(data)
				recordCursorLatency(data, latencyCh)
			}
			if err := socket.Run(ctx, onMessage); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("client", userID).Msg("socket stopped")
			}
		}(i)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	waitOrCancel(waitCtx, &connected)
	cancelWait()
	driverMu.Lock()
	h, hID := driver, driverID
	driverMu.Unlock()
	if h != nil && ctx.Err() == nil {
		drive(ctx, h, hID, *messages, *interval)
	}
	// Let trailing frames arrive before tearing the clients down.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	stop()

	go func() {
		wg.Wait()
		close(latencyCh)
	}()
	report(latencyCh, logger)
}

func drive(ctx context.Context, h *client.History, userID string, messages int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	shapeID := uuid.NewString()
	for j := 0; j < messages; j++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.SendCursor(float64(j*10), float64(j*5), time.Time{})
		h.FlushCursor()
		ct := types.ChangeUpdate
		if j == 0 {
			ct = types.ChangeCreate
		}
		h.AddLocalChange(types.Change{
			ChangeType:  ct,
			ElementType: types.ElementRectangle,
			Object: types.Rectangle{
				ElementBase: types.ElementBase{
					ID:          shapeID,
					UserVersion: types.UserVersion{UserID: userID, Version: j + 1},
				},
				X:      float64(j),
				Y:      float64(j),
				Width:  40,
				Height: 20,
			},
			CreatedAt: time.Now().UTC(),
		}, false)
	}
}

func waitOrCancel(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func recordCursorLatency(data []byte, latencies chan<- latencySample) {
	frame, err := types.DecodeFrame(data)
	if err != nil || frame.Type != types.FrameCursor {
		return
	}
	cursors, err := frame.Cursors()
	if err != nil {
		return
	}
	for _, c := range cursors {
		if c.LastUpdated.IsZero() {
			continue
		}
		select {
		case latencies <- latencySample{dur: time.Since(c.LastUpdated)}:
		default:
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var durations []time.Duration
	var total time.Duration
	var under50ms int

	for s := range samples {
		durations = append(durations, s.dur)
		total += s.dur
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	count := len(durations)
	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	p99 := durations[int(math.Ceil(float64(count)*0.99))-1]
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nP99 latency: %s\nMax latency: %s\n<50ms: %.2f%%\n",
		count, avg, p99, durations[count-1], pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of cursor broadcasts met the 50ms target")
	}
}
