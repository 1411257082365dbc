package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram

	rejections   map[string]uint64
	subagents    map[string]uint64
	subagentHist *histogram
	published    uint64
	dropped      uint64
	sessions     int64
	inflight     int64
}

func newCollector() *collector {
	return &collector{
		requests:     make(map[requestKey]uint64),
		errors:       make(map[routeKey]uint64),
		latency:      make(map[routeKey]*histogram),
		rejections:   make(map[string]uint64),
		subagents:    make(map[string]uint64),
		subagentHist: newHistogram([]float64{0.1, 0.5, 1, 5, 15, 30, 60, 300}),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observe(handler, method, status, duration)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram([]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe places the value in every bucket whose bound is not below it;
// values above the last bound only show up in the +Inf bucket via count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

func (h *histogram) snapshot() *histogram {
	return &histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type routeMetric struct {
		routeKey
		value uint64
		hist  *histogram
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]routeMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, routeMetric{routeKey: key, value: value})
	}
	lats := make([]routeMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, routeMetric{routeKey: key, hist: hist.snapshot()})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	byRoute := func(m []routeMetric) func(i, j int) bool {
		return func(i, j int) bool {
			if m[i].handler == m[j].handler {
				return m[i].method < m[j].method
			}
			return m[i].handler < m[j].handler
		}
	}
	sort.Slice(errs, byRoute(errs))
	sort.Slice(lats, byRoute(lats))

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP agenthub_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE agenthub_http_requests_total counter\n")
	for _, m := range reqs {
		fmt.Fprintf(&b, "agenthub_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(m.handler), escape(m.method), escape(m.code), m.value)
	}

	b.WriteString("# HELP agenthub_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE agenthub_http_request_errors_total counter\n")
	for _, m := range errs {
		fmt.Fprintf(&b, "agenthub_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(m.handler), escape(m.method), m.value)
	}

	b.WriteString("# HELP agenthub_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE agenthub_http_request_duration_seconds histogram\n")
	for _, m := range lats {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(m.handler), escape(m.method))
		writeHistogram(&b, "agenthub_http_request_duration_seconds", labels, m.hist)
	}

	c.renderDomain(&b)
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	sep := ""
	if labels != "" {
		sep = ","
	}
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s%sle=\"%s\"} %d\n", name, labels, sep, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, h.count)
	if labels == "" {
		fmt.Fprintf(b, "%s_sum %s\n", name, formatFloat(h.sum))
		fmt.Fprintf(b, "%s_count %d\n", name, h.count)
		return
	}
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
