package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// IncAdmissionRejected counts a request turned away by admission control.
// reason is the error code, e.g. RATE_LIMITED or SERVER_BUSY.
func IncAdmissionRejected(reason string) {
	c := defaultCollector
	c.mu.Lock()
	c.rejections[reason]++
	c.mu.Unlock()
}

// AddInflight adjusts the number of executions currently holding an admission slot.
func AddInflight(delta int64) {
	c := defaultCollector
	c.mu.Lock()
	c.inflight += delta
	c.mu.Unlock()
}

// SetActiveSessions records the size of the session registry.
func SetActiveSessions(n int) {
	c := defaultCollector
	c.mu.Lock()
	c.sessions = int64(n)
	c.mu.Unlock()
}

// ObserveSubAgent records a sub-agent task reaching a terminal status.
func ObserveSubAgent(status string, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	c.subagents[status]++
	c.subagentHist.observe(duration.Seconds())
	c.mu.Unlock()
}

// ObserveEventDelivery counts broadcaster deliveries; failed deliveries drop the subscriber.
func ObserveEventDelivery(ok bool) {
	c := defaultCollector
	c.mu.Lock()
	if ok {
		c.published++
	} else {
		c.dropped++
	}
	c.mu.Unlock()
}

// renderDomain is called with c.mu held.
func (c *collector) renderDomain(b *strings.Builder) {
	b.WriteString("# HELP agenthub_admission_rejections_total Requests rejected by admission control.\n")
	b.WriteString("# TYPE agenthub_admission_rejections_total counter\n")
	for _, reason := range sortedKeys(c.rejections) {
		fmt.Fprintf(b, "agenthub_admission_rejections_total{reason=\"%s\"} %d\n", escape(reason), c.rejections[reason])
	}

	b.WriteString("# HELP agenthub_executions_inflight Executions currently holding an admission slot.\n")
	b.WriteString("# TYPE agenthub_executions_inflight gauge\n")
	fmt.Fprintf(b, "agenthub_executions_inflight %d\n", c.inflight)

	b.WriteString("# HELP agenthub_sessions_active Sessions currently registered.\n")
	b.WriteString("# TYPE agenthub_sessions_active gauge\n")
	fmt.Fprintf(b, "agenthub_sessions_active %d\n", c.sessions)

	b.WriteString("# HELP agenthub_subagent_tasks_total Sub-agent tasks by terminal status.\n")
	b.WriteString("# TYPE agenthub_subagent_tasks_total counter\n")
	for _, status := range sortedKeys(c.subagents) {
		fmt.Fprintf(b, "agenthub_subagent_tasks_total{status=\"%s\"} %d\n", escape(status), c.subagents[status])
	}

	b.WriteString("# HELP agenthub_subagent_duration_seconds Sub-agent task duration in seconds.\n")
	b.WriteString("# TYPE agenthub_subagent_duration_seconds histogram\n")
	writeHistogram(b, "agenthub_subagent_duration_seconds", "", c.subagentHist)

	b.WriteString("# HELP agenthub_events_delivered_total Events delivered to subscribers.\n")
	b.WriteString("# TYPE agenthub_events_delivered_total counter\n")
	fmt.Fprintf(b, "agenthub_events_delivered_total %d\n", c.published)
	b.WriteString("# HELP agenthub_event_delivery_failures_total Deliveries that failed and dropped the subscriber.\n")
	b.WriteString("# TYPE agenthub_event_delivery_failures_total counter\n")
	fmt.Fprintf(b, "agenthub_event_delivery_failures_total %d\n", c.dropped)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
