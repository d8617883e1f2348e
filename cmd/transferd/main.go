// Command transferd wires the transfer core's components into a
// runnable daemon: a QUIC listener accepting inbound transfers, an
// admission queue gating outbound ones, and the shared bandwidth,
// classifier, resume and connection-supervisor state they all share.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filemesh/transfercore/internal/bandwidth"
	"github.com/filemesh/transfercore/internal/classifier"
	"github.com/filemesh/transfercore/internal/config"
	"github.com/filemesh/transfercore/internal/connsup"
	"github.com/filemesh/transfercore/internal/events"
	"github.com/filemesh/transfercore/internal/fsio"
	"github.com/filemesh/transfercore/internal/observability"
	"github.com/filemesh/transfercore/internal/queue"
	"github.com/filemesh/transfercore/internal/quicutil"
	"github.com/filemesh/transfercore/internal/resume"
	"github.com/filemesh/transfercore/internal/session"
	"github.com/filemesh/transfercore/internal/transport"
	"github.com/filemesh/transfercore/internal/validation"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "transferd",
		Short: "Chunked, resumable, priority-scheduled file transfer daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSendCmd(&configPath))
	return root
}

// daemon ties every component together and implements
// queue.AdmissionDecider so the scheduler can admit transfers into
// running sessions.
type daemon struct {
	cfg         *config.Config
	logger      *observability.Logger
	metrics     *observability.Metrics
	bus         *events.Bus
	allocator   *bandwidth.Allocator
	classifier  *classifier.Classifier
	resumeStore *resume.Store
	supervisor  *connsup.Supervisor
	limiter     *session.Limiter
	store       *session.Store
	scheduler   *queue.Scheduler

	heartbeatLimiter *bandwidth.TokenBucket

	mu       sync.Mutex
	requests map[string]session.TransferRequest
	peers    map[string]*transport.Peer
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	logger := observability.NewLogger("transferd", "0.1.0", os.Stdout)
	metrics := observability.NewMetrics()
	bus := events.NewBus(cfg.EventBufferSize)

	resumeStore, err := resume.New(cfg.StateDirectory)
	if err != nil {
		return nil, fmt.Errorf("transferd: open resume store: %w", err)
	}

	onCongestion := func(cond bandwidth.Condition, affected []string) {
		metrics.SetNetworkCondition(4 - int(cond))
		if len(affected) == 0 {
			return
		}
		detail := fmt.Sprintf("condition=%s affected=%d", cond, len(affected))
		bus.Publish(events.Event{Type: events.NetworkCongestionDetected, Message: detail})
		logger.Info("network-congestion-detected: " + detail)
	}

	d := &daemon{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		bus:         bus,
		allocator:   bandwidth.New(bandwidth.DefaultConfig(cfg.TotalAvailableBandwidth), nil, onCongestion),
		classifier:  classifier.New(classifier.DefaultLimits()),
		resumeStore: resumeStore,
		limiter:     session.NewLimiter(cfg.MaxConcurrentTransfers),
		store:       session.NewStore(),
		heartbeatLimiter: bandwidth.NewTokenBucket(50, 10),
		requests:    make(map[string]session.TransferRequest),
		peers:       make(map[string]*transport.Peer),
	}
	d.scheduler = queue.New(d, cfg.MaxConcurrentTransfers)
	return d, nil
}

// DependencyOutstanding implements queue.AdmissionDecider. A dependency
// is outstanding while its session is active, or while it was submitted
// but has no session yet (still queued).
func (d *daemon) DependencyOutstanding(ids []string) bool {
	for _, id := range ids {
		if s, err := d.store.Get(id); err == nil {
			switch s.Status() {
			case session.StatusCompleted, session.StatusFailed, session.StatusCancelled:
				continue
			default:
				return true
			}
		}
		d.mu.Lock()
		_, submitted := d.requests[id]
		d.mu.Unlock()
		if submitted {
			return true
		}
	}
	return false
}

// ResourcesAvailable implements queue.AdmissionDecider. Bandwidth is
// enforced per-chunk by the Allocator at grant time; transfer
// concurrency is gated by the scheduler's own slot count, and worker
// concurrency inside the engine by the Limiter, so every demand is
// accepted here.
func (d *daemon) ResourcesAvailable(_ queue.ResourceDemand) bool {
	return true
}

// Admit implements queue.AdmissionDecider: it builds a session for
// the queued transfer, registers it with the allocator, and starts
// its engine in the background.
func (d *daemon) Admit(t *queue.QueuedTransfer) error {
	d.metrics.SetQueueDepth(d.scheduler.Len())

	d.mu.Lock()
	req, ok := d.requests[t.TransferID]
	peer := d.peers[t.TransferID]
	d.mu.Unlock()
	if !ok {
		d.metrics.RecordAdmission("rejected")
		return fmt.Errorf("transferd: no request recorded for %q", t.TransferID)
	}
	if peer == nil {
		d.metrics.RecordAdmission("rejected")
		return fmt.Errorf("transferd: no peer connection for %q", t.TransferID)
	}

	sess := session.NewSession(req, nil)

	resumedChecksums := d.tryResume(t.TransferID, req, sess)

	if err := d.store.Add(sess); err != nil {
		d.metrics.RecordAdmission("rejected")
		return err
	}

	d.allocator.Register(t.TransferID, bandwidth.Priority(t.Priority), bandwidth.Limits{
		MinBytesPerSecond: d.cfg.MinimumAllowedBytes,
	})
	d.metrics.RecordTransferStart()
	d.metrics.RecordAdmission("admitted")

	var source fsio.Source
	var sink fsio.Sink
	var err error
	if req.Direction == session.DirectionUpload {
		source, err = fsio.OpenSource(req.FilePath)
	} else {
		sink, err = fsio.OpenSink(req.LocalPath)
	}
	if err != nil {
		return fmt.Errorf("transferd: open file abstraction: %w", err)
	}

	engine := session.NewEngine(sess, peer, source, sink, d.allocator, d.classifier, d.resumeStore, d.limiter,
		d.logger.WithSession(t.TransferID), d.metrics, d.publishEvent)
	if resumedChecksums != nil {
		engine.SeedChecksums(resumedChecksums)
	}

	go func() {
		defer d.scheduler.Release()
		defer d.allocator.Unregister(t.TransferID)
		if source != nil {
			defer source.Close()
		}
		if sink != nil {
			defer sink.Close()
		}
		ctx := context.Background()
		err := engine.Run(ctx, d.cfg.WorkerThreadCount)
		success := err == nil && sess.Status() == session.StatusCompleted
		d.metrics.RecordTransferComplete(success, time.Since(sess.StartTime).Seconds())
	}()

	return nil
}

// tryResume attempts to recover a prior checkpoint for transferID before
// the fresh session starts its workers. On success it seeds sess's
// bitmap from the recovered chunk states and returns the recovered
// per-chunk checksums so the caller can prime the engine's cache; on
// any failure (including none recorded yet) it leaves sess untouched
// and returns nil. Corruption the sweep finds is reported through the
// corruption-detected metric and event, by chunk index.
func (d *daemon) tryResume(transferID string, req session.TransferRequest, sess *session.TransferSession) map[int64]string {
	readPath := req.FilePath
	if req.Direction == session.DirectionDownload {
		readPath = req.LocalPath
	}
	onCorruption := func(id string, chunkIndex int64) {
		d.metrics.RecordCorruption()
		d.publishEvent("chunk-corruption-detected", id, fmt.Sprintf("index=%d", chunkIndex))
	}

	resumed, summary, err := d.resumeStore.Resume(transferID, d.cfg.MaxResumeAge,
		localChunkReader(readPath, sess.ChunkSize, req.FileSize), onCorruption)
	if err != nil {
		if !errors.Is(err, resume.ErrResumeNotFound) {
			d.logger.Error(err, "resume check skipped, starting fresh")
		}
		return nil
	}

	if err := sess.Bitmap.SeedFrom(session.FromResumeStates(resumed.ChunkStates)); err != nil {
		d.logger.Error(err, "seed bitmap from resume state failed, starting fresh")
		return nil
	}
	d.publishEvent("transfer-resumed", transferID, fmt.Sprintf(
		"resumed_from=%d remaining=%d recovered=%d", summary.ResumedFromChunk, summary.RemainingChunks, summary.RecoveredChunks))
	return resumed.ChunkChecksums
}

// localChunkReader reads the chunk at index from path independently of
// any handle the engine itself holds open, so the resume sweep can
// re-verify already-written bytes before the session's own source/sink
// is opened.
func localChunkReader(path string, chunkSize, fileSize int64) resume.ChunkReader {
	return func(index int64) ([]byte, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		offset := index * chunkSize
		size := chunkSize
		if rem := fileSize - offset; rem < size {
			size = rem
		}
		buf := make([]byte, size)
		n, err := f.ReadAt(buf, offset)
		if err != nil && n == 0 {
			return nil, err
		}
		return buf[:n], nil
	}
}

func (d *daemon) publishEvent(name, transferID, detail string) {
	ev := events.Event{TransferID: transferID, Message: detail}
	for t := events.TransferQueued; t <= events.ClassifierRetryScheduled; t++ {
		if t.String() == name {
			ev.Type = t
			break
		}
	}
	d.bus.Publish(ev)
	d.logger.WithSession(transferID).Info(name + ": " + detail)
}

// Submit validates req, records it and its peer connection, and
// enqueues it at the given priority for admission.
func (d *daemon) Submit(req session.TransferRequest, peer *transport.Peer, priority queue.Priority) error {
	if err := validation.ValidateTransferRequest(req); err != nil {
		return err
	}
	d.mu.Lock()
	d.requests[req.TransferID] = req
	d.peers[req.TransferID] = peer
	d.mu.Unlock()

	d.scheduler.Enqueue(&queue.QueuedTransfer{
		TransferID: req.TransferID,
		Priority:   priority,
	})
	d.bus.Publish(events.Event{TransferID: req.TransferID, Type: events.TransferQueued})
	return nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, accepting inbound transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.QUICAddress = addr
			}
			d, err := newDaemon(cfg)
			if err != nil {
				return err
			}

			certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("transferd: generate cert: %w", err)
			}
			tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
			if err != nil {
				return err
			}
			ln, err := transport.Listen(cfg.QUICAddress, tlsConfig)
			if err != nil {
				return fmt.Errorf("transferd: listen: %w", err)
			}
			defer ln.Close()
			d.logger.Info("listening on " + ln.Addr())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go d.scheduler.Run(ctx)
			go d.allocator.RunAdaptation(ctx.Done())

			for {
				peer, err := ln.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					d.metrics.RecordQUICConnection(false)
					d.logger.Error(err, "accept failed")
					continue
				}
				connID := uuid.NewString()
				if _, err := d.supervisorOrNil(connID, peer); err != nil {
					d.metrics.RecordQUICConnection(false)
					d.logger.Error(err, "establish failed")
					continue
				}
				d.metrics.RecordQUICConnection(true)
				go d.runHeartbeats(ctx, connID, peer, time.Now())
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override the configured QUIC listen address")
	return cmd
}

// supervisorOrNil lazily creates the connection supervisor on first
// accepted peer, since it needs a Sender bound to that peer.
func (d *daemon) supervisorOrNil(connID string, peer *transport.Peer) (*connsup.Connection, error) {
	if d.supervisor == nil {
		d.supervisor = connsup.New(connsup.Config{
			HeartbeatInterval: d.cfg.HeartbeatInterval,
			HeartbeatTimeout:  d.cfg.HeartbeatTimeout,
			InactivityTimeout: d.cfg.InactivityTimeout,
			SweepInterval:     10 * time.Second,
		}, peer, func(name, id string) { d.publishEvent(name, id, "") })
	}
	return d.supervisor.Establish(connID, "peer", "local", nil)
}

// runHeartbeats sends periodic heartbeats on connID until ctx is
// cancelled, rate-limited by the shared token bucket so a burst of
// newly accepted connections can't flood the control stream. dialedAt
// is the moment the connection was established, for the QUIC
// connection duration metric recorded once it ends.
func (d *daemon) runHeartbeats(ctx context.Context, connID string, peer *transport.Peer, dialedAt time.Time) {
	defer d.metrics.RecordQUICConnectionClose(time.Since(dialedAt).Seconds())
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.heartbeatLimiter.Wait(ctx, 1); err != nil {
				return
			}
			seq++
			if err := peer.SendHeartbeat(ctx, connID, seq, true); err != nil {
				d.metrics.RecordHeartbeat(false)
				return
			}
			d.metrics.RecordHeartbeat(true)
		}
	}
}

func newSendCmd(configPath *string) *cobra.Command {
	var remote, filePath string
	var priority int
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Upload a file to a remote transferd instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			d, err := newDaemon(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			peer, err := transport.Dial(ctx, remote, quicutil.MakeClientTLSConfig())
			if err != nil {
				d.metrics.RecordQUICConnection(false)
				return fmt.Errorf("transferd: dial %q: %w", remote, err)
			}
			d.metrics.RecordQUICConnection(true)
			dialedAt := time.Now()
			defer func() { d.metrics.RecordQUICConnectionClose(time.Since(dialedAt).Seconds()) }()

			source, err := fsio.OpenSource(filePath)
			if err != nil {
				return err
			}
			size, err := source.Length()
			if err != nil {
				return err
			}
			source.Close()

			req := session.TransferRequest{
				TransferID:     uuid.NewString(),
				FilePath:       filePath,
				FileName:       filePath,
				FileSize:       size,
				Direction:      session.DirectionUpload,
				RemoteEndpoint: remote,
			}
			if err := d.Submit(req, peer, queue.Priority(priority)); err != nil {
				return err
			}

			go d.scheduler.Run(ctx)
			go d.allocator.RunAdaptation(ctx.Done())

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "remote transferd address (host:port)")
	cmd.Flags().StringVar(&filePath, "file", "", "local file to upload")
	cmd.Flags().IntVar(&priority, "priority", int(queue.PriorityNormal), "transfer priority (0=Background .. 4=Critical)")
	cmd.MarkFlagRequired("remote")
	cmd.MarkFlagRequired("file")
	return cmd
}
