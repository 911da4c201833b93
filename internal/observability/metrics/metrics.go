// Package metrics 以 Prometheus 文本格式暴露进程内采集的运行指标。
package metrics

import (
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

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
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
	errors   map[errorKey]uint64
	latency  map[latencyKey]*histogram

	ticks        uint64
	tickFailures uint64
	tickLatency  *histogram
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的处理结果。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveTick 记录一轮调度循环的耗时与是否出错。
func ObserveTick(duration time.Duration, failed bool) {
	defaultCollector.observeTick(duration, failed)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeTick(duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticks++
	if failed {
		c.tickFailures++
	}
	if c.tickLatency == nil {
		c.tickLatency = newHistogram()
	}
	c.tickLatency.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// 超过最大桶的样本只计入 +Inf, 由 h.count 体现。
}

// Handler 以 Prometheus 文本格式输出全部指标。
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
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		hist histogram
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{latencyKey: key, hist: hist.snapshot()})
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
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP novapilot_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE novapilot_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("novapilot_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			metric.handler, metric.method, metric.code, metric.value))
	}

	builder.WriteString("# HELP novapilot_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE novapilot_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("novapilot_http_request_errors_total{handler=%q,method=%q} %d\n",
			metric.handler, metric.method, metric.value))
	}

	builder.WriteString("# HELP novapilot_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE novapilot_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		writeHistogram(&builder, "novapilot_http_request_duration_seconds",
			fmt.Sprintf("handler=%q,method=%q", metric.handler, metric.method), metric.hist)
	}

	builder.WriteString("# HELP novapilot_scheduler_ticks_total Total number of scheduler ticks executed.\n")
	builder.WriteString("# TYPE novapilot_scheduler_ticks_total counter\n")
	builder.WriteString(fmt.Sprintf("novapilot_scheduler_ticks_total %d\n", c.ticks))

	builder.WriteString("# HELP novapilot_scheduler_tick_failures_total Total number of scheduler ticks that recorded errors.\n")
	builder.WriteString("# TYPE novapilot_scheduler_tick_failures_total counter\n")
	builder.WriteString(fmt.Sprintf("novapilot_scheduler_tick_failures_total %d\n", c.tickFailures))

	if c.tickLatency != nil {
		builder.WriteString("# HELP novapilot_scheduler_tick_duration_seconds Scheduler tick duration in seconds.\n")
		builder.WriteString("# TYPE novapilot_scheduler_tick_duration_seconds histogram\n")
		writeHistogram(&builder, "novapilot_scheduler_tick_duration_seconds", "", c.tickLatency.snapshot())
	}

	return builder.String()
}

func (h *histogram) snapshot() histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeHistogram(builder *strings.Builder, name, labels string, hist histogram) {
	sep := ""
	if labels != "" {
		sep = ","
	}
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{%s%sle=%q} %d\n",
			name, labels, sep, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, hist.count))
	if labels != "" {
		builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, labels, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, labels, hist.count))
	} else {
		builder.WriteString(fmt.Sprintf("%s_sum %s\n", name, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count %d\n", name, hist.count))
	}
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
