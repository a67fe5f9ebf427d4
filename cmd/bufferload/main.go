// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// bufferload drives a shuffle output buffer end to end: one local producer
// pushes pages into a SharedBuffer served over the HTTP pull API, and N
// consumer clients pull them back out. It prints a throughput summary and
// exposes prometheus metrics while running.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/stratumdb/stratum/pkg/sql/flowinfra/bufferpull"
	"github.com/stratumdb/stratum/pkg/sql/flowinfra/outputbuf"
	"github.com/stratumdb/stratum/pkg/util/future"
	"github.com/stratumdb/stratum/pkg/util/humanizeutil"
	"github.com/stratumdb/stratum/pkg/util/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	listenAddr  string
	bufferSize  = int64(32 << 20)
	pageBytes   = int64(64 << 10)
	consumers   int
	pages       int
	pagesPerSec float64
	verbosity   int32
)

func main() {
	cmd := &cobra.Command{
		Use:          "bufferload",
		Short:        "drive an output buffer with a producer and N pull consumers",
		SilenceUsage: true,
		RunE:         runLoad,
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:0", "address for the pull server")
	flags.Var(humanizeutil.NewBytesValue(&bufferSize), "buffer-size", "byte budget of the buffer")
	flags.Var(humanizeutil.NewBytesValue(&pageBytes), "page-bytes", "payload size of each page")
	flags.IntVar(&consumers, "consumers", 4, "number of pull consumers")
	flags.IntVar(&pages, "pages", 10000, "number of pages to produce")
	flags.Float64Var(&pagesPerSec, "rate", 0, "producer pace in pages per second (0 for unpaced)")
	flags.Int32Var(&verbosity, "verbosity", 0, "log verbosity")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runLoad(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log.SetVerbosity(verbosity)

	taskID := outputbuf.TaskID(uuid.New().String())
	metrics := outputbuf.MakeMetrics(prometheus.DefaultRegisterer)
	sb, err := outputbuf.NewSharedBuffer(taskID, future.GoroutineExecutor, bufferSize, metrics)
	if err != nil {
		return err
	}
	defer sb.Destroy()

	registry := bufferpull.NewRegistry()
	if err := registry.Register(sb); err != nil {
		return err
	}
	pullServer := bufferpull.NewServer(registry, bufferpull.ServerConfig{})

	httpMux := http.NewServeMux()
	httpMux.Handle("/", pullServer)
	httpMux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	httpServer := &http.Server{Handler: httpMux}
	go func() {
		_ = httpServer.Serve(listener)
	}()
	defer httpServer.Close()
	baseURL := fmt.Sprintf("http://%s", listener.Addr())
	log.Infof(ctx, "pull server listening at %s", baseURL)

	descriptor := outputbuf.NewOutputBuffers(1)
	bufferIDs := make([]string, consumers)
	for i := range bufferIDs {
		bufferIDs[i] = fmt.Sprintf("consumer-%d", i)
		descriptor = descriptor.WithBuffer(bufferIDs[i], outputbuf.Unpartitioned{})
	}
	descriptor = descriptor.WithNoMoreBufferIDs()
	if err := sb.SetOutputBuffers(descriptor); err != nil {
		return err
	}

	start := time.Now()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return produce(gCtx, sb)
	})

	var pulledPages, pulledBytes atomic.Int64
	for _, bufferID := range bufferIDs {
		bufferID := bufferID
		g.Go(func() error {
			return consume(gCtx, baseURL, taskID, bufferID, &pulledPages, &pulledBytes)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	perSec := float64(pulledBytes.Load()) / elapsed.Seconds()
	fmt.Printf("produced %d pages, pulled %d pages (%s) across %d consumers in %s (%s/s)\n",
		pages, pulledPages.Load(), humanizeutil.IBytes(pulledBytes.Load()),
		consumers, humanizeutil.Duration(elapsed), humanizeutil.IBytes(int64(perSec)))
	return nil
}

func produce(ctx context.Context, sb *outputbuf.SharedBuffer) error {
	var limiter *rate.Limiter
	if pagesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(pagesPerSec), 1)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < pages; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		payload := make([]byte, pageBytes)
		rng.Read(payload)
		signal, err := sb.Enqueue(bufferpull.NewBytesPage(payload, 1))
		if err != nil {
			return err
		}
		if _, err := signal.Wait(ctx); err != nil {
			return err
		}
		if log.V(2) {
			log.Infof(ctx, "produced page %d", i)
		}
	}
	sb.SetNoMorePages()
	return nil
}

func consume(
	ctx context.Context,
	baseURL string,
	taskID outputbuf.TaskID,
	bufferID string,
	pulledPages, pulledBytes *atomic.Int64,
) error {
	client := bufferpull.NewClient(baseURL, taskID, bufferID, bufferpull.ClientConfig{})
	for {
		batch, done, err := client.Next(ctx)
		if err != nil {
			return err
		}
		for _, page := range batch {
			pulledPages.Add(1)
			pulledBytes.Add(page.Size())
		}
		if done {
			if log.V(1) {
				log.Infof(ctx, "consumer %s finished at token %d", bufferID, client.Token())
			}
			return nil
		}
	}
}
