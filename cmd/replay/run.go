package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/flowcore/internal/config"
	"github.com/Rajchodisetti/flowcore/internal/decision"
	"github.com/Rajchodisetti/flowcore/internal/observ"
	"github.com/Rajchodisetti/flowcore/internal/persist"
	"github.com/Rajchodisetti/flowcore/internal/risk"
)

type runOptions struct {
	barsPath    string
	outPath     string
	metricsAddr string
	stateless   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Feed a JSONL bar file through the engine and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.barsPath, "bars", "b", "", "JSONL file of bars (- for stdin)")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "write trade intents as JSONL to this path")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address (overrides config)")
	cmd.Flags().BoolVar(&opts.stateless, "stateless", false, "skip snapshot restore and checkpoints")
	_ = cmd.MarkFlagRequired("bars")
	return cmd
}

type summary struct {
	bars      int
	trades    int
	paused    int
	pnl       float64
	vetoes    map[risk.VetoReason]int
	arms      map[string]int
	restored  []string
	finalPos  float64
	breaker   risk.BreakerState
	startedAt time.Time
}

func runReplay(ctx context.Context, root *rootOptions, opts *runOptions, stdout io.Writer) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	if err := observ.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	var store persist.Store
	if !opts.stateless {
		store, err = persist.Open(cfg.Persist)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	engine := decision.New(decision.FromRoot(cfg), store)
	sum := &summary{
		vetoes:    map[risk.VetoReason]int{},
		arms:      map[string]int{},
		startedAt: time.Now(),
	}
	if store != nil {
		sum.restored = engine.Restore(ctx)
	}

	addr := cfg.Engine.MetricsAddr
	if opts.metricsAddr != "" {
		addr = opts.metricsAddr
	}
	if addr != "" {
		srv := serveMetrics(addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	tickCtx, cancelTick := context.WithCancel(ctx)
	defer cancelTick()
	go func() {
		if err := engine.Run(tickCtx, cfg.Breaker.CheckInterval); err != nil && !errors.Is(err, context.Canceled) {
			observ.Error("breaker_ticker_stopped", err, nil)
		}
	}()

	in, closeIn, err := openInput(opts.barsPath)
	if err != nil {
		return err
	}
	defer closeIn()

	var out *json.Encoder
	if opts.outPath != "" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			return fmt.Errorf("create %q: %w", opts.outPath, err)
		}
		defer f.Close()
		out = json.NewEncoder(f)
	}

	if err := replayBars(ctx, engine, in, out, sum); err != nil {
		return err
	}

	if store != nil {
		if err := engine.Flush(ctx); err != nil {
			observ.Error("final_checkpoint_failed", err, nil)
		}
	}
	sum.finalPos = engine.Sizer().Position()
	sum.breaker, _ = engine.Breaker().State()
	printSummary(stdout, sum)
	return nil
}

func replayBars(ctx context.Context, engine *decision.Engine, in io.Reader, out *json.Encoder, sum *summary) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var bar decision.Bar
		if err := json.Unmarshal(raw, &bar); err != nil {
			observ.Warn("replay_bad_bar", map[string]any{"line": line, "error": err.Error()})
			continue
		}
		if bar.Index == 0 && sum.bars > 0 {
			bar.Index = sum.bars
		}

		// the previous decision's position earned this bar's return
		reward := engine.Sizer().Position() * bar.Return
		if sum.bars > 0 {
			engine.Settle(reward)
			sum.pnl += reward
		}

		prev := engine.Sizer().Position()
		intent := engine.OnBar(ctx, bar)

		sum.bars++
		if intent.Position != prev {
			sum.trades++
		}
		if intent.Breaker == risk.StatePaused {
			sum.paused++
		}
		if intent.VetoReason != risk.VetoNone {
			sum.vetoes[intent.VetoReason]++
		}
		if intent.ChosenArm != "" {
			sum.arms[intent.ChosenArm]++
		}
		if out != nil {
			if err := out.Encode(intent); err != nil {
				return fmt.Errorf("write intent: %w", err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read bars: %w", err)
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open bars %q: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Error("metrics_server_failed", err, map[string]any{"addr": addr})
		}
	}()
	return srv
}

func printSummary(w io.Writer, s *summary) {
	fmt.Fprintf(w, "\nreplayed %d bars in %s (restored: %v)\n", s.bars, time.Since(s.startedAt).Round(time.Millisecond), s.restored)

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("position changes", fmt.Sprintf("%d", s.trades))
	table.Append("bars paused", fmt.Sprintf("%d", s.paused))
	table.Append("cumulative pnl", fmt.Sprintf("%.6f", s.pnl))
	table.Append("final position", fmt.Sprintf("%.4f", s.finalPos))
	table.Append("breaker", string(s.breaker))
	for _, k := range sortedKeys(s.arms) {
		table.Append("arm "+k, fmt.Sprintf("%d", s.arms[k]))
	}
	vetoes := make(map[string]int, len(s.vetoes))
	for k, v := range s.vetoes {
		vetoes[string(k)] = v
	}
	for _, k := range sortedKeys(vetoes) {
		table.Append("veto "+k, fmt.Sprintf("%d", vetoes[k]))
	}
	table.Render()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
