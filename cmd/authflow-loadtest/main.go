// Command authflow-loadtest drives many concurrent customer sign-ins through
// authflow Controllers against the reference exchange backend and reports
// per-phase latency.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mimora/authflow"
	"github.com/mimora/authflow/devprovider"
	"github.com/mimora/authflow/internal/refbackend"
	"github.com/mimora/authflow/jwt"
)

func main() {
	var (
		flows       = flag.Int("flows", 2000, "number of sign-ins to run")
		concurrency = flag.Int("concurrency", 64, "number of flows in flight")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		verbose     = flag.Bool("v", false, "log flow events")
	)
	flag.Parse()

	if *flows <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "flows and concurrency must be > 0")
		os.Exit(2)
	}

	logger := log.New()
	logger.SetOutput(io.Discard)
	if *verbose {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(log.DebugLevel)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           5 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("authflow-loadtest-secret-not-for-production"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "jwt manager: %v\n", err)
		os.Exit(1)
	}

	backend := refbackend.New(tokens, client, "lt", logger)
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	codes := &codeBox{codes: make(map[string]string)}
	pcfg := devprovider.DefaultConfig()
	pcfg.MaxIssuesPerWindow = 0
	provider := devprovider.New(client, devprovider.SenderFunc(func(_ context.Context, target, code string) error {
		codes.put(target, code)
		return nil
	}), tokens, pcfg, devprovider.WithLogger(logger))

	cfg := authflow.DefaultConfig()
	cfg.Exchange.BaseURL = srv.URL
	cfg.Metrics.EnableLatencyHistograms = true
	engine, err := authflow.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithChallengeProvider(provider).
		WithRedis(client).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	r := &runner{engine: engine, codes: codes}
	total, err := r.run(context.Background(), *flows, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load test aborted: %v\n", err)
		os.Exit(1)
	}

	accounts, _ := backend.Count(context.Background())
	snap := engine.MetricsSnapshot()
	fmt.Println("---- results ----")
	fmt.Printf("flows=%d accounts=%d total=%s flows/sec=%.0f\n",
		*flows, accounts, total.Round(time.Millisecond), float64(*flows)/total.Seconds())
	printStats("challenge", computeStats(total, r.challenge.samples(), r.failures.Load()))
	printStats("complete", computeStats(total, r.complete.samples(), r.failures.Load()))
	fmt.Printf("exchange latency buckets (ms <=25,50,100,250,500,1000,2500,+Inf): %v\n",
		snap.Histograms[authflow.MetricExchangeLatency])
}

type runner struct {
	engine    *authflow.Engine
	codes     *codeBox
	challenge latencies
	complete  latencies
	failures  atomic.Int64
}

func (r *runner) run(ctx context.Context, flows, concurrency int) (time.Duration, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < flows; i++ {
		g.Go(func() error {
			if err := r.signIn(ctx, i); err != nil {
				if errors.Is(err, authflow.ErrEngineClosed) {
					return err
				}
				r.failures.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return time.Since(start), err
}

// signIn walks one customer through phone login. Each flow uses its own
// number so challenges never collide.
func (r *runner) signIn(ctx context.Context, i int) error {
	flow, err := r.engine.NewFlow(authflow.NewMemoryHistory())
	if err != nil {
		return err
	}
	defer flow.Close()

	phone := fmt.Sprintf("9%09d", i)
	if err := flow.SelectProfile(authflow.ProfileCustomer); err != nil {
		return err
	}
	if err := flow.GetStarted(); err != nil {
		return err
	}
	if err := flow.SetPhone(phone); err != nil {
		return err
	}

	t0 := time.Now()
	if err := flow.Submit(ctx); err != nil {
		return err
	}
	r.challenge.add(time.Since(t0))
	code, ok := r.codes.take("+91" + phone)
	if !ok {
		return fmt.Errorf("no code for %s: %s", phone, flow.Err())
	}

	digits := make([]string, len(code))
	for j := range code {
		digits[j] = code[j : j+1]
	}
	if err := flow.SetCode(digits); err != nil {
		return err
	}
	t1 := time.Now()
	if err := flow.Submit(ctx); err != nil {
		return err
	}
	r.complete.add(time.Since(t1))

	if flow.State().Step != authflow.StepSuccess {
		return fmt.Errorf("flow ended at %s: %s", flow.State().Step, flow.Err())
	}
	return nil
}

type latencies struct {
	mu  sync.Mutex
	all []time.Duration
}

func (l *latencies) add(d time.Duration) {
	l.mu.Lock()
	l.all = append(l.all, d)
	l.mu.Unlock()
}

func (l *latencies) samples() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.all...)
}

type codeBox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *codeBox) put(target, code string) {
	b.mu.Lock()
	b.codes[target] = code
	b.mu.Unlock()
}

func (b *codeBox) take(target string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	code, ok := b.codes[target]
	delete(b.codes, target)
	return code, ok
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
