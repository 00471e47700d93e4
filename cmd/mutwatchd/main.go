// Command mutwatchd is a demo host for the mutation-capture core: it
// starts the pipeline with the JSONL, SQLite and correlation sinks and
// serves a dashboard (the root command registers no pages itself; the
// demo subcommand registers one scratch page), mirroring the orchestration shape of the
// teacher's main.go (init collector, init storage, start web server,
// start capture, wait on a signal) but driving core.Core instead of
// the teacher's BPF reader.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/mutwatch/mutwatch/core"
	"github.com/mutwatch/mutwatch/correlate"
	"github.com/mutwatch/mutwatch/enrich"
	"github.com/mutwatch/mutwatch/fastpath"
	"github.com/mutwatch/mutwatch/sink"
	"github.com/mutwatch/mutwatch/sink/jsonl"
	"github.com/mutwatch/mutwatch/sink/sqlite"
	"github.com/mutwatch/mutwatch/symbols"
	"github.com/mutwatch/mutwatch/types"
	"github.com/mutwatch/mutwatch/web"
)

const demoPageSize = 4096

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var outputDir string
	var queueSize int
	var listenAddr string
	var rulesDir string

	root := &cobra.Command{
		Use:   "mutwatchd",
		Short: "Demo host for the mutwatch mutation-capture pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(outputDir, queueSize, listenAddr, rulesDir)
		},
	}

	root.Flags().StringVar(&outputDir, "output-dir", "/tmp/mutwatch", "directory for JSONL/SQLite sink output")
	root.Flags().IntVar(&queueSize, "queue-size", 10000, "bounded event queue capacity")
	root.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "dashboard listen address")
	root.Flags().StringVar(&rulesDir, "rules-dir", "/tmp/mutwatch/rules", "Sigma rule directory")

	root.AddCommand(newDemoCmd())
	return root
}

func run(outputDir string, queueSize int, listenAddr, rulesDir string) error {
	jsonlSink, err := jsonl.New(outputDir)
	if err != nil {
		return fmt.Errorf("mutwatchd: %w", err)
	}
	defer jsonlSink.Close()

	sqliteSink, err := sqlite.New(outputDir)
	if err != nil {
		return fmt.Errorf("mutwatchd: %w", err)
	}
	defer sqliteSink.Close()

	detector, err := correlate.NewDetector(rulesDir)
	if err != nil {
		log.Printf("mutwatchd: correlation disabled: %v", err)
	} else {
		defer detector.Close()
	}

	// sinkVar breaks the construction cycle between core.Core (needs a
	// Sink up front) and web.Server (needs core.Core): core.New gets
	// sinkVar immediately, and the fully composed sink — including the
	// websocket broadcaster, which needs srv — is installed once srv
	// exists, before c.Start begins delivering events.
	sinkVar := &sink.Var{}

	c := core.New(core.Options{
		IPSource: fastpath.ProcSyscallIPSource{},
		Resolver: symbols.NewAddr2LineResolver(""),
		Sink:     sinkVar,
	})

	srv := web.NewServer(c, listenAddr)

	fanout := sink.Fanout{jsonlSink, sqliteSink, web.BroadcastSink{Server: srv}}
	if detector != nil {
		sinkVar.Set(correlate.Sink{Detector: detector, Next: fanout})
	} else {
		sinkVar.Set(fanout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Printf("mutwatchd: web server: %v", err)
		}
	}()

	if err := c.Initialize(outputDir, queueSize); err != nil {
		return fmt.Errorf("mutwatchd: initialize: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("mutwatchd: start: %w", err)
	}

	log.Printf("mutwatchd: running, dashboard at http://%s", listenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("mutwatchd: shutting down...")
	return c.Stop(5 * time.Second)
}

// newDemoCmd runs a short-lived, self-contained pass through the
// pipeline: it registers one in-process page, mutates it a few times,
// and prints each captured mutation's variable ids, page base and
// delta count to stdout.
// It skips the sinks and dashboard entirely, so it's useful for
// checking the fault-capture path works on a given kernel without
// standing up the daemon.
func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Register a scratch page, mutate it, and print captured events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
}

func runDemo() error {
	var captured []types.EnrichedEvent
	c := core.New(core.Options{
		Sink: sink.Fanout{enrich.SinkFunc(func(event types.EnrichedEvent) error {
			captured = append(captured, event)
			fmt.Printf("demo: mutation of %v at 0x%x (%d deltas)\n", event.VariableIds, event.PageBase, len(event.Deltas))
			return nil
		})},
	})

	if err := c.Initialize(os.TempDir(), 64); err != nil {
		return fmt.Errorf("mutwatchd demo: initialize: %w", err)
	}

	page := allocDemoPage()
	id, err := c.RegisterPage(pageAddr(page), demoPageSize, "demo.counter", types.TrackThreads, types.WholePage())
	if err != nil {
		return fmt.Errorf("mutwatchd demo: register page: %w", err)
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("mutwatchd demo: start: %w", err)
	}

	for i := 0; i < 5; i++ {
		page[i] = byte(i + 1)
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	log.Printf("mutwatchd demo: registered %s, captured %d events", id, len(captured))
	return c.Stop(5 * time.Second)
}

// allocDemoPage hands back a page-aligned, page-sized byte slice. Go's
// heap is non-moving once a value has escaped, so the address stays
// stable for the life of the process.
func allocDemoPage() []byte {
	buf := make([]byte, demoPageSize*2)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + demoPageSize - 1) &^ (demoPageSize - 1)
	offset := aligned - addr
	return buf[offset : offset+demoPageSize]
}

func pageAddr(page []byte) uintptr {
	return uintptr(unsafe.Pointer(&page[0]))
}
