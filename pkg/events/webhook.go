package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ai-voice-connector/pkg/metrics"
	"ai-voice-connector/pkg/version"

	"github.com/sirupsen/logrus"
)

// WebhookNotifier POSTs dialog events as JSON to a set of HTTP endpoints.
type WebhookNotifier struct {
	logger    *logrus.Logger
	client    *http.Client
	endpoints []string
	timeout   time.Duration

	mu      sync.RWMutex
	perCall map[string][]string
}

// NewWebhookNotifier creates a notifier for the given endpoints.
func NewWebhookNotifier(logger *logrus.Logger, endpoints []string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	cleaned := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if trimmed := strings.TrimSpace(ep); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	return &WebhookNotifier{
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		endpoints: cleaned,
		timeout:   timeout,
		perCall:   make(map[string][]string),
	}
}

// RegisterCallEndpoint adds an endpoint that only receives events for callID.
func (n *WebhookNotifier) RegisterCallEndpoint(callID, endpoint string) {
	trimmed := strings.TrimSpace(endpoint)
	if callID == "" || trimmed == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.perCall[callID] = append(n.perCall[callID], trimmed)
}

// Notify posts event to every endpoint in the background. Per-call endpoints
// are dropped once the dialog ends.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	endpoints := n.collectEndpoints(event.CallID)
	if event.Event == DialogTerminated || event.Event == DialogFailed {
		n.mu.Lock()
		delete(n.perCall, event.CallID)
		n.mu.Unlock()
	}
	if len(endpoints) == 0 {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.WithError(err).Error("Failed to marshal dialog event")
		return
	}

	// Delivery outlives the request that triggered it.
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	for _, endpoint := range endpoints {
		go n.send(ctx, endpoint, body)
	}
}

func (n *WebhookNotifier) send(ctx context.Context, endpoint string, body []byte) {
	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.WithError(err).WithField("endpoint", endpoint).Warn("Failed to create webhook request")
		metrics.RecordEventPublished("webhook", "error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WithError(err).WithField("endpoint", endpoint).Warn("Failed to deliver dialog event")
		metrics.RecordEventPublished("webhook", "error")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
		}).Warn("Dialog event webhook returned non-success response")
		metrics.RecordEventPublished("webhook", "rejected")
		return
	}
	metrics.RecordEventPublished("webhook", "ok")
}

func (n *WebhookNotifier) collectEndpoints(callID string) []string {
	seen := make(map[string]struct{}, len(n.endpoints))
	merged := make([]string, 0, len(n.endpoints)+2)

	add := func(endpoint string) {
		if _, ok := seen[endpoint]; !ok {
			seen[endpoint] = struct{}{}
			merged = append(merged, endpoint)
		}
	}

	for _, endpoint := range n.endpoints {
		add(endpoint)
	}

	if callID != "" {
		n.mu.RLock()
		for _, endpoint := range n.perCall[callID] {
			add(endpoint)
		}
		n.mu.RUnlock()
	}

	return merged
}
