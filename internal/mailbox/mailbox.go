// Package mailbox implements the callback rendezvous a provisioned
// host calls back into during provisioning: one single-message
// endpoint per (instance, stage tag), served over HTTP.
package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/labforge/labctl/internal/logger"
	"go.uber.org/zap"
)

// Message is whatever the host (or an operator override) POSTs to an
// endpoint. Bodies are small JSON blobs; stages interpret Payload
// according to their own tag.
type Message struct {
	Tag     string
	Payload map[string]any
	// Synthetic marks messages injected via the operator override path.
	// Consumers must treat it exactly like a real host callback — it
	// exists only for audit logging.
	Synthetic bool
}

type endpointKey struct {
	instance string
	tag      string
}

type endpoint struct {
	mu       sync.Mutex
	ch       chan Message
	consumed bool
}

// Mailbox owns every registered endpoint for the process. One Mailbox
// is shared by all concurrent provisioning workflows; endpoints are
// keyed by (instance, tag) so workflows never collide.
type Mailbox struct {
	mu        sync.Mutex
	endpoints map[endpointKey]*endpoint
	baseURL   string

	// ciDocs holds the rendered cloud-init documents the installer's
	// ci-user-data-url points back at. Keyed by instance; a host
	// fetches its own document once, at boot.
	ciDocs map[string]string
}

// New constructs a Mailbox. baseURL is prefixed to generated callback
// URLs, e.g. "https://labctl.internal:8443".
func New(baseURL string) *Mailbox {
	return &Mailbox{endpoints: map[endpointKey]*endpoint{}, baseURL: baseURL, ciDocs: map[string]string{}}
}

// PublishCloudConfig stores content as the cloud-init document served
// back to instance and returns the URL the installer's ci-user-data-url
// field should point at.
func (m *Mailbox) PublishCloudConfig(instance, content string) string {
	m.mu.Lock()
	m.ciDocs[instance] = content
	m.mu.Unlock()
	return fmt.Sprintf("%s/ci/%s", m.baseURL, instance)
}

func (m *Mailbox) cloudConfig(instance string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.ciDocs[instance]
	return doc, ok
}

// Register binds a fresh endpoint to (instance, tag) and returns the
// callback URL the host should POST to, plus the receiver side. Each
// endpoint is bound to exactly one instance and one usage tag.
func (m *Mailbox) Register(instance, tag string) (url string, recv *Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := endpointKey{instance: instance, tag: tag}
	ep := &endpoint{ch: make(chan Message, 1)}
	m.endpoints[key] = ep

	url = fmt.Sprintf("%s/callback/%s/%s", m.baseURL, instance, tag)
	return url, &Receiver{ep: ep, key: key}
}

// deliver is called by the HTTP handler when a POST arrives. Duplicate
// POSTs after the receiver has already consumed the single message are
// logged and discarded.
func (m *Mailbox) deliver(instance, tag string, msg Message) error {
	m.mu.Lock()
	ep, ok := m.endpoints[endpointKey{instance: instance, tag: tag}]
	m.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "mailbox_deliver", fmt.Sprintf("%s/%s", instance, tag))
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.consumed {
		logger.L().Warn("mailbox: discarding duplicate POST after receiver consumed",
			zap.String("instance", instance), zap.String("tag", tag))
		return nil
	}
	select {
	case ep.ch <- msg:
	default:
		logger.L().Warn("mailbox: discarding duplicate POST, message already pending",
			zap.String("instance", instance), zap.String("tag", tag))
	}
	return nil
}

// Override lets an operator push a synthetic message to an endpoint,
// exactly as if it came from a real host callback.
func (m *Mailbox) Override(instance, tag string, payload map[string]any) error {
	return m.deliver(instance, tag, Message{Tag: tag, Payload: payload, Synthetic: true})
}

// Receiver is the single-consumer side of one registered endpoint.
type Receiver struct {
	ep  *endpoint
	key endpointKey
}

// WaitNext blocks for the next message on this endpoint, or returns
// ErrTimeout when ctx expires first.
func (r *Receiver) WaitNext(ctx context.Context) (Message, error) {
	select {
	case msg := <-r.ep.ch:
		r.ep.mu.Lock()
		r.ep.consumed = true
		r.ep.mu.Unlock()
		return msg, nil
	case <-ctx.Done():
		return Message{}, apperrors.Newf(apperrors.ErrTimeout, "wait_next", "endpoint %s/%s timed out waiting for callback", r.key.instance, r.key.tag)
	}
}
