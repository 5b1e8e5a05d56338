package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/viapipe"
	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/compression"
	"github.com/pior/viapipe/frame"
)

type BenchmarkResult struct {
	Codec            string
	Duration         time.Duration
	TotalPackets     int64
	Cancelled        int64
	Failures         int64
	Bytes            int64
	AvgLatency       time.Duration
	PacketsPerSecond float64
	Reordered        uint64
	Allocator        bytebuf.AllocatorStats
}

func main() {
	var (
		codecName   = flag.String("codec", "all", "Compression codec: none, zlib, lz4, or all")
		duration    = flag.Duration("duration", 5*time.Second, "Duration to run each benchmark")
		connections = flag.Int("connections", 4, "Number of concurrent connections")
		loops       = flag.Int("loops", 0, "Number of event loops (0 = GOMAXPROCS)")
		size        = flag.Int("size", 512, "Packet body size in bytes")
		threshold   = flag.Int("threshold", compression.DefaultThreshold, "Compression threshold")
		allocator   = flag.String("allocator", "pooled", "Buffer allocator: pooled or puddle")
		cancelEvery = flag.Int("cancel-every", 0, "Cancel one packet id out of N (0 = never)")
		verbose     = flag.Bool("verbose", false, "Log pipeline failures")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Printf("Viapipe Benchmark Tool\n")
	fmt.Printf("======================\n")
	fmt.Printf("Codec: %s\n", *codecName)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Packet size: %d\n", *size)
	fmt.Printf("Threshold: %d\n", *threshold)
	fmt.Printf("Allocator: %s\n", *allocator)
	fmt.Println()

	codecs := []string{*codecName}
	if *codecName == "all" {
		codecs = []string{"none", "zlib", "lz4"}
	}

	group := viapipe.NewEventLoopGroup(viapipe.EventLoopGroupConfig{Size: *loops, Logger: logger})
	defer group.Close()

	for _, codec := range codecs {
		fmt.Printf("\n--- Running %s benchmark ---\n", codec)
		alloc, closeAlloc, err := newAllocator(*allocator, *connections)
		if err != nil {
			log.Fatalf("Failed to create allocator: %v", err)
		}

		bench := benchmark{
			group:       group,
			alloc:       alloc,
			logger:      logger,
			codec:       codec,
			duration:    *duration,
			connections: *connections,
			size:        *size,
			threshold:   *threshold,
			cancelEvery: *cancelEvery,
		}
		result, err := bench.run()
		closeAlloc()
		if err != nil {
			log.Fatalf("Benchmark %s failed: %v", codec, err)
		}
		printResult(result)
	}
}

func newAllocator(name string, connections int) (bytebuf.Allocator, func(), error) {
	switch name {
	case "pooled":
		return bytebuf.NewPooledAllocator(0), func() {}, nil
	case "puddle":
		alloc, err := bytebuf.NewPuddleAllocator(0, int32(connections*8))
		if err != nil {
			return nil, nil, err
		}
		return alloc, alloc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown allocator: %s", name)
	}
}

func newCodec(name string) func() (compression.Codec, error) {
	switch name {
	case "zlib":
		return func() (compression.Codec, error) { return compression.NewZlibCodec(-1) }
	case "lz4":
		return func() (compression.Codec, error) { return compression.NewLZ4Codec(), nil }
	default:
		return nil
	}
}

type benchmark struct {
	group       *viapipe.EventLoopGroup
	alloc       bytebuf.Allocator
	logger      *slog.Logger
	codec       string
	duration    time.Duration
	connections int
	size        int
	threshold   int
	cancelEvery int
}

func (b *benchmark) run() (*BenchmarkResult, error) {
	ctx := context.Background()
	result := &BenchmarkResult{Codec: b.codec}
	var totalPackets, failures, written, totalLatency int64
	var reordered atomic.Uint64

	remapper := viapipe.NewPacketIDRemapper()
	for id := range int32(64) {
		remapper.Map(viapipe.StatePlay, id, id+64)
	}
	if b.cancelEvery > 0 {
		for id := int32(0); id < 64; id += int32(b.cancelEvery) {
			remapper.Cancel(viapipe.StatePlay, id)
		}
	}
	newBreaker := viapipe.NewFailureBreakerConfig(5, time.Minute, time.Second)

	body := make([]byte, b.size)
	for i := range body {
		body[i] = byte(i % 17)
	}

	startTime := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, b.connections)

	for i := range b.connections {
		connID := fmt.Sprintf("bench-%d", i)
		server, client := net.Pipe()
		go func() {
			n, _ := io.Copy(io.Discard, client)
			atomic.AddInt64(&written, n)
		}()

		info := viapipe.NewUserConnection(connID, viapipe.ConnectionConfig{
			Transformer: remapper,
			Breaker:     newBreaker(connID),
		})
		info.SetState(viapipe.StatePlay)

		ch, err := viapipe.NewChannel(server, b.group.Next(connID), info, viapipe.ChannelConfig{
			Allocator: b.alloc,
			Encoder:   viapipe.Config{DeferUntilCompression: true},
			Logger:    b.logger,
		})
		if err != nil {
			return nil, err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ch.Close()

			var packet []byte
			for seq := 0; time.Since(startTime) < b.duration; seq++ {
				// Compression is enabled after the login sequence, as a host does.
				if seq == 8 {
					if factory := newCodec(b.codec); factory != nil {
						if err := ch.EnableCompression(ctx, b.threshold, factory); err != nil {
							errs <- err
							return
						}
					}
				}

				packet = frame.AppendVarInt(packet[:0], int32(seq%64))
				packet = append(packet, body...)

				opStart := time.Now()
				err := ch.Write(ctx, packet)
				atomic.AddInt64(&totalLatency, int64(time.Since(opStart)))
				atomic.AddInt64(&totalPackets, 1)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
			stats := ch.Handler().Stats()
			reordered.Add(stats.Reordered)
			atomic.AddInt64(&result.Cancelled, int64(stats.Cancelled))
		}()
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, err
	}

	result.Duration = time.Since(startTime)
	result.TotalPackets = totalPackets
	result.Failures = failures
	result.Reordered = reordered.Load()
	result.Allocator = b.alloc.Stats()
	if totalPackets > 0 {
		result.AvgLatency = time.Duration(totalLatency / totalPackets)
		result.PacketsPerSecond = float64(totalPackets) / result.Duration.Seconds()
	}

	// Let the readers drain the closed pipes.
	time.Sleep(50 * time.Millisecond)
	result.Bytes = atomic.LoadInt64(&written)
	return result, nil
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Codec: %s\n", result.Codec)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Packets: %d\n", result.TotalPackets)
	fmt.Printf("Cancelled: %d\n", result.Cancelled)
	fmt.Printf("Failures: %d\n", result.Failures)
	fmt.Printf("Pipeline Reorders: %d\n", result.Reordered)
	if result.TotalPackets > 0 {
		fmt.Printf("Packets/sec: %.2f\n", result.PacketsPerSecond)
		fmt.Printf("Avg Latency: %v\n", result.AvgLatency)
		fmt.Printf("Wire Bytes: %d (%.1f bytes/packet)\n", result.Bytes, float64(result.Bytes)/float64(result.TotalPackets))
	}
	fmt.Printf("Buffers: allocated=%d released=%d overflow=%d outstanding=%d\n",
		result.Allocator.Allocated, result.Allocator.Released, result.Allocator.Overflow, result.Allocator.Outstanding())
	fmt.Println()
}
