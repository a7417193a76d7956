package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/nbridge/internal/bridge"
	"github.com/roach88/nbridge/internal/ir"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr  string
	DrainTimeout time.Duration
}

// maxLineSize bounds one JSON line on stdin (blobs travel base64 encoded).
const maxLineSize = 16 << 20

// ServeRequest is one line of serve input.
type ServeRequest struct {
	Tag      string           `json:"tag,omitempty"`
	Op       string           `json:"op"`
	Context  ir.ContextHandle `json:"context,omitempty"`
	ID       ir.RequestID     `json:"id,omitempty"`
	Function string           `json:"function,omitempty"`
	Params   json.RawMessage  `json:"params,omitempty"`
	Config   json.RawMessage  `json:"config,omitempty"`
	Blob     ir.BlobHandle    `json:"blob,omitempty"`
	Data     []byte           `json:"data,omitempty"`
	Offset   int64            `json:"offset,omitempty"`
	Size     int64            `json:"size,omitempty"`
}

// ServeReply answers one ServeRequest. Result carries the create outcome in
// the {"result":h} / {"error":{...}} shape used by string-only hosts.
type ServeReply struct {
	Tag     string           `json:"tag,omitempty"`
	Op      string           `json:"op"`
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	Context ir.ContextHandle `json:"context,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Blob    ir.BlobHandle    `json:"blob,omitempty"`
	Data    []byte           `json:"data,omitempty"`
}

// ServeEvent is a delivered response event.
type ServeEvent struct {
	Op    string           `json:"op"` // always "event"
	Event ir.ResponseEvent `json:"event"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the bridge over JSON lines on stdio",
		Long: `Host the bridge over stdio. Each input line is a JSON request:

  {"tag":"1","op":"create","config":{"endpoints":["a"]}}
  {"tag":"2","op":"send","context":4294967297,"id":1,"function":"ping"}
  {"tag":"3","op":"destroy","context":4294967297}
  {"op":"store_blob","data":"aGVsbG8="}
  {"op":"resolve_blob","blob":"<handle>","offset":0,"size":5}

Each request gets one reply line. Response events are written as
{"op":"event","event":{...}} lines as they are delivered. At end of input
the command waits for in-flight requests, then destroys every context.

Examples:
  bridgectl serve < requests.jsonl
  bridgectl serve --config bridge.yaml --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", 5*time.Second, "how long to wait for in-flight requests at end of input")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	h, err := openHost(ctx, opts.Config, reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start bridge", err)
	}

	if opts.MetricsAddr != "" {
		srv := newMetricsServer(opts.MetricsAddr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("metrics listening", "addr", opts.MetricsAddr)
	}

	defaultConfig, err := opts.Config.ContextJSON()
	if err != nil {
		_ = h.Close(ctx)
		return WrapExitError(ExitCommandError, "invalid context config", err)
	}

	server := NewServer(h.bridge, defaultConfig, cmd.OutOrStdout())
	h.bridge.SetResponseHandler(server)

	runDone := make(chan error, 1)
	go func() {
		runDone <- h.bridge.Run(context.Background())
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx, cmd.InOrStdin())
	}()

	var serveErr error
	select {
	case serveErr = <-serveDone:
		waitIdle(ctx, h.bridge, opts.DrainTimeout)
	case <-ctx.Done():
	}

	if err := h.Close(context.Background()); err != nil {
		slog.Warn("close failed", "error", err)
	}
	if err := <-runDone; err != nil {
		slog.Warn("delivery loop ended", "error", err)
	}

	if serveErr != nil {
		return WrapExitError(ExitCommandError, "failed to read input", serveErr)
	}
	return nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// waitIdle polls until no live context has a request in flight and the
// event queue is empty, or timeout passes.
func waitIdle(ctx context.Context, b *bridge.Bridge, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		busy := b.Pending() > 0
		for _, h := range b.Contexts() {
			if b.InFlight(h) > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			slog.Warn("requests still in flight at shutdown", "pending_events", b.Pending())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Server turns JSON lines into bridge calls and writes replies and response
// events to one writer.
//
// Thread-safety: replies are written by the reading goroutine and events by
// the bridge's delivery goroutine; writes are serialized.
type Server struct {
	bridge        *bridge.Bridge
	defaultConfig string

	mu  sync.Mutex
	enc *json.Encoder
}

// NewServer creates a server writing to w. defaultConfig is used by create
// requests that carry no config.
func NewServer(b *bridge.Bridge, defaultConfig string, w io.Writer) *Server {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Server{bridge: b, defaultConfig: defaultConfig, enc: enc}
}

// HandleResponse writes a delivered event.
func (s *Server) HandleResponse(_ context.Context, ev ir.ResponseEvent) {
	s.write(ServeEvent{Op: "event", Event: ev})
}

func (s *Server) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		slog.Error("write failed", "error", err)
	}
}

// Serve handles lines from r until EOF or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.write(s.Handle(ctx, line))
	}
	return scanner.Err()
}

// Handle executes one request line and returns its reply.
func (s *Server) Handle(ctx context.Context, line []byte) ServeReply {
	var req ServeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ServeReply{Op: "invalid", Error: fmt.Sprintf("invalid request: %v", err)}
	}

	reply := ServeReply{Tag: req.Tag, Op: req.Op}
	var err error

	switch req.Op {
	case "create":
		configJSON := s.defaultConfig
		if len(req.Config) > 0 {
			configJSON = string(req.Config)
		}
		var h ir.ContextHandle
		h, err = s.bridge.CreateContext(configJSON)
		reply.Context = h
		reply.Result = json.RawMessage(ir.EncodeCreateResult(h, err))

	case "destroy":
		reply.Context = req.Context
		err = s.bridge.DestroyContext(ctx, req.Context)

	case "send":
		params := "{}"
		if len(req.Params) > 0 {
			params = string(req.Params)
		}
		reply.Context = req.Context
		err = s.bridge.SendRequest(req.Context, req.ID, req.Function, params)

	case "store_blob":
		reply.Blob, err = s.bridge.StoreBlob(req.Data)

	case "resolve_blob":
		reply.Blob = req.Blob
		reply.Data, err = s.bridge.ResolveBlob(req.Blob, req.Offset, req.Size)

	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		reply.Error = err.Error()
		slog.Debug("request failed", "op", req.Op, "tag", req.Tag, "error", err)
		return reply
	}
	reply.OK = true
	return reply
}
