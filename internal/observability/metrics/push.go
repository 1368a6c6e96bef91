package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends the buffer registry to a Prometheus Pushgateway. One-shot CLI
// invocations use it because nothing scrapes them.
func (m *BufferMetrics) Push(ctx context.Context, gatewayURL, job string, labels map[string]string) error {
	if m == nil {
		return nil
	}
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return errors.New("pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		job = "usagebuffer"
	}

	pusher := push.New(gatewayURL, job).Gatherer(m.registry)
	for key, value := range labels {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		pusher = pusher.Grouping(key, strings.TrimSpace(value))
	}
	return pusher.PushContext(ctx)
}
