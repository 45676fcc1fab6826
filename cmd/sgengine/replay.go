package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"secgroup-engine/internal/engine"
	"secgroup-engine/internal/model"
	"secgroup-engine/internal/parser"
)

type replayOptions struct {
	provider    string
	rulesFile   string
	rulesDB     string
	packetsFile string
	format      string
	direction   string
	workers     int
	outFile     string
	allowedFile string
	metricsAddr string
}

// replayJob carries one packet from the reader to a worker. pkt is nil for
// records that could not be read; the engine denies those as malformed.
type replayJob struct {
	record int
	pkt    *model.Packet
}

type replayResult struct {
	record  int
	pkt     *model.Packet
	verdict model.Verdict
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a packet trace through the installed security groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.provider, "provider", "file", "Security group provider: 'file' or 'mysql'")
	cmd.Flags().StringVar(&opts.rulesFile, "rules", "", "Security group YAML file (for 'file' provider)")
	cmd.Flags().StringVar(&opts.rulesDB, "db", "", "Database connection string (for 'mysql' provider)")
	cmd.Flags().StringVar(&opts.packetsFile, "packets", "", "Packet trace file (required)")
	cmd.Flags().StringVar(&opts.format, "format", "csv", "Packet trace format: 'csv' or 'pcap'")
	cmd.Flags().StringVar(&opts.direction, "direction", string(modePath), "Enforcement point: 'path', 'packet', 'ingress' or 'egress'")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	cmd.Flags().StringVar(&opts.outFile, "out", "results.csv", "Output CSV file for all verdicts")
	cmd.Flags().StringVar(&opts.allowedFile, "allowed", "allowed.csv", "Output CSV file for allowed packets")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while replaying")
	cmd.MarkFlagRequired("packets")

	return cmd
}

func runReplay(ctx context.Context, opts *replayOptions) error {
	slog.Info("Starting replay", "version", version)
	startTime := time.Now()

	mode, err := parseDirectionMode(opts.direction)
	if err != nil {
		return err
	}
	if opts.format == "pcap" && mode == modePacket {
		return fmt.Errorf("pcap traces carry no direction: use --direction path, ingress or egress")
	}
	if opts.workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", opts.workers)
	}

	// --- 1. Load and install security groups ---
	slog.Info("Loading security groups...", "provider", opts.provider)
	groups, err := loadGroups(opts.provider, opts.rulesFile, opts.rulesDB)
	if err != nil {
		slog.Error("Failed to load security groups", "error", err)
		return err
	}
	e := engine.New(engine.Options{Conntrack: cfg.Conntrack.Options()})
	if err := e.Install(groups); err != nil {
		slog.Error("Failed to install security groups", "error", err)
		return err
	}
	slog.Info("Successfully installed security groups", "count", len(groups))

	// --- 2. Open the packet trace ---
	packetsF, err := os.Open(opts.packetsFile)
	if err != nil {
		slog.Error("Failed to open packet file", "path", opts.packetsFile, "error", err)
		return err
	}
	defer packetsF.Close()
	reader, err := newPacketReader(packetsF, opts.format)
	if err != nil {
		slog.Error("Failed to read packet file", "path", opts.packetsFile, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.RunSweeper(ctx, cfg.Conntrack.SweepInterval, clock.RealClock{})

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr)
		defer srv.Shutdown(context.Background())
	}

	var processed uint64
	progressDone := make(chan struct{})
	go logProgress(&processed, progressDone)

	// --- 3. Writer and workers ---
	results := make(chan replayResult, opts.workers*100)
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	var writeErr error
	go func() {
		defer writerWg.Done()
		writeErr = resultWriter(results, opts.outFile, opts.allowedFile, &processed)
	}()

	decide := mode.decider(e)
	queues := make([]chan replayJob, opts.workers)
	var wg sync.WaitGroup
	slog.Info("Starting decision workers", "count", opts.workers, "direction", string(mode))
	for i := range queues {
		queues[i] = make(chan replayJob, 100)
		wg.Add(1)
		go worker(&wg, i+1, decide, queues[i], results)
	}

	// --- 4. Produce ---
	readErr := producePackets(reader, queues)
	for _, q := range queues {
		close(q)
	}

	wg.Wait()
	close(results)
	writerWg.Wait()
	close(progressDone)

	if readErr != nil {
		slog.Error("Failed to read packet file", "path", opts.packetsFile, "error", readErr)
		return readErr
	}
	if writeErr != nil {
		return writeErr
	}

	stats := e.Stats()
	slog.Info("Replay complete",
		"duration", time.Since(startTime),
		"decisions", stats.Decisions,
		"allowed", stats.Allowed,
		"malformed", stats.Malformed,
		"flow_table_full", stats.FlowTableFull,
		"flows", stats.Flows,
		"table_full", stats.TableFull)
	return nil
}

func newPacketReader(r io.Reader, format string) (parser.PacketReader, error) {
	switch format {
	case "csv":
		return parser.NewCSVPacketReader(r)
	case "pcap":
		return parser.NewPcapPacketReader(r)
	default:
		return nil, fmt.Errorf("unknown packet format: %s", format)
	}
}

// producePackets sends every record to the worker owning its address pair,
// so packets of one flow are decided in trace order. Unreadable records all
// go to the first worker.
func producePackets(reader parser.PacketReader, queues []chan replayJob) error {
	record := 0
	for {
		pkt, err := reader.Next()
		if err == io.EOF {
			slog.Info("Packet producer finished", "records", record)
			return nil
		}
		record++
		if err != nil {
			if !parser.IsRecordError(err) {
				return err
			}
			slog.Warn("Skipping unreadable packet record", "error", err)
			pkt = nil
		}

		idx := 0
		if pkt != nil {
			idx = int(engine.PartitionKey(pkt) % uint64(len(queues)))
		}
		queues[idx] <- replayJob{record: record, pkt: pkt}
	}
}

func worker(wg *sync.WaitGroup, id int, decide func(*model.Packet) model.Verdict, jobs <-chan replayJob, results chan<- replayResult) {
	defer wg.Done()
	slog.Debug("Worker started", "id", id)
	for job := range jobs {
		results <- replayResult{record: job.record, pkt: job.pkt, verdict: decide(job.pkt)}
	}
	slog.Debug("Worker finished", "id", id)
}

var resultHeader = []string{"record", "protocol", "src_ip", "src_port", "dst_ip", "dst_port", "direction", "decision", "group", "rule_id", "reason", "generation"}

func resultRecord(r replayResult) []string {
	decision := "DENY"
	if r.verdict.Allowed() {
		decision = "ALLOW"
	}
	record := make([]string, 0, len(resultHeader))
	record = append(record, strconv.Itoa(r.record))
	if r.pkt != nil {
		srcPort, dstPort := r.pkt.SrcPort, r.pkt.DstPort
		if r.pkt.Protocol.IsICMP() {
			srcPort, dstPort = uint16(r.pkt.ICMPType), uint16(r.pkt.ICMPCode)
		}
		record = append(record,
			r.pkt.Protocol.String(),
			r.pkt.Src.String(),
			strconv.Itoa(int(srcPort)),
			r.pkt.Dst.String(),
			strconv.Itoa(int(dstPort)),
			r.pkt.Direction.String())
	} else {
		record = append(record, "", "", "", "", "", "")
	}
	return append(record,
		decision,
		r.verdict.Group,
		r.verdict.RuleID,
		string(r.verdict.Reason),
		strconv.FormatUint(r.verdict.Generation, 10))
}

func resultWriter(results <-chan replayResult, outPath, allowedPath string, processed *uint64) error {
	// Drain on every return so workers never block on a failed writer.
	defer func() {
		for range results {
		}
	}()

	outFile, err := os.Create(outPath)
	if err != nil {
		slog.Error("Failed to create output file", "path", outPath, "error", err)
		return err
	}
	defer outFile.Close()

	allowedFile, err := os.Create(allowedPath)
	if err != nil {
		slog.Error("Failed to create allowed file", "path", allowedPath, "error", err)
		return err
	}
	defer allowedFile.Close()

	outWriter := csv.NewWriter(outFile)
	allowedWriter := csv.NewWriter(allowedFile)

	outWriter.Write(resultHeader)
	allowedWriter.Write(resultHeader)

	var written uint64
	for result := range results {
		record := resultRecord(result)
		outWriter.Write(record)
		if result.verdict.Allowed() {
			allowedWriter.Write(record)
		}
		written++
		if written%1024 == 0 {
			atomic.StoreUint64(processed, written)
		}
	}
	atomic.StoreUint64(processed, written)

	outWriter.Flush()
	allowedWriter.Flush()
	if err := errors.Join(outWriter.Error(), allowedWriter.Error()); err != nil {
		slog.Error("Failed to write results", "error", err)
		return err
	}
	slog.Info("Result writer finished", "records", written)
	return nil
}

func logProgress(processed *uint64, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastLogged uint64
	for {
		select {
		case <-ticker.C:
			n := atomic.LoadUint64(processed)
			if n == lastLogged {
				continue
			}
			slog.Info("Progress", "processed_packets", n)
			lastLogged = n
		case <-done:
			return
		}
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
