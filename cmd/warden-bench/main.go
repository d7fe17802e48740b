package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-warden/v1/config"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 10000, "Total number of lock cycles")
	resources   = flag.Int("k", 10, "Number of distinct resources")
	mode        = flag.String("mode", "lock", "What to measure: lock or throttle")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("Starting benchmark on %s: %d %s cycles, %d concurrency, %d resources",
		cfg.Backend, *requests, *mode, *concurrency, *resources)

	st, err := presets.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer st.Close()

	var wg sync.WaitGroup
	var ops, contended, errorsCount int64

	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				resource := fmt.Sprintf("bench:%d", (worker+j)%*resources)
				var ok bool
				var err error
				if *mode == "throttle" {
					ok, err = st.Throttles.TryAcquire(ctx, resource, throttle.WithAcquireTimeout(time.Millisecond))
				} else {
					ok, err = st.Locks.TryUsingFunc(ctx, resource, func() {}, lock.WithTTL(time.Minute))
				}
				switch {
				case err != nil:
					atomic.AddInt64(&errorsCount, 1)
				case !ok:
					atomic.AddInt64(&contended, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() / float64(ops) * 1e6 // µs

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f cycles/s", throughput)
	log.Printf("Avg Latency: %.2f µs", avgLatency)
	log.Printf("Not acquired: %d", contended)
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}
