// Package push is the delivery engine's entry point: it fans a notification
// out to every subscription of a recipient, delivering each over the Web
// Push protocol, and prunes subscriptions the push service reports gone.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumatch/pushgate/internal/breaker"
	"github.com/lumatch/pushgate/internal/db"
	"github.com/lumatch/pushgate/internal/metrics"
	"github.com/lumatch/pushgate/internal/vapid"
	"github.com/lumatch/pushgate/internal/webpush"
)

// Store is the subscription persistence the dispatcher needs: read by
// recipient, batch delete by id.
type Store interface {
	ListByRecipient(ctx context.Context, recipientID string) ([]*db.PushSubscription, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// ErrNotConfigured is returned when no VAPID key material is loaded. The
// caller treats push as a disabled feature, not a failure to alert on.
var ErrNotConfigured = errors.New("push: vapid keys not configured")

// Outcome classifies one per-subscription delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeExpired           // endpoint gone (404/410), subscription will be pruned
	OutcomeTransient         // network/5xx/crypto failure, caller may retry later
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeExpired:
		return "expired"
	case OutcomeTransient:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// Result aggregates a dispatch call. Per-subscription detail is logged,
// not surfaced; push is a best-effort side channel.
type Result struct {
	Sent    int `json:"sent"`
	Cleaned int `json:"cleaned"`
}

// Config holds delivery tuning.
type Config struct {
	TTL         int           // seconds the push service retains an undelivered message
	SendTimeout time.Duration // per-subscription request timeout
}

// Dispatcher delivers notifications to push endpoints. Safe for concurrent
// use; the key material is read-only and every send builds its own request.
type Dispatcher struct {
	keys     *vapid.KeyMaterial // nil when push is not configured
	store    Store
	breakers *breaker.HostBreakers // nil disables circuit breaking
	client   *http.Client
	config   Config
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. keys may be nil; every Deliver call
// then returns ErrNotConfigured without touching the store or network.
func NewDispatcher(keys *vapid.KeyMaterial, store Store, breakers *breaker.HostBreakers, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.TTL <= 0 {
		cfg.TTL = 86400
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}

	return &Dispatcher{
		keys:     keys,
		store:    store,
		breakers: breakers,
		client: &http.Client{
			Timeout: cfg.SendTimeout,
		},
		config: cfg,
		logger: logger,
	}
}

// Configured reports whether VAPID key material is loaded.
func (d *Dispatcher) Configured() bool {
	return d.keys != nil
}

// Deliver sends one notification to every subscription of recipientID.
// Subscriptions are attempted concurrently and independently; one bad
// subscription never affects another's outcome. Endpoints reported gone
// are deleted in a single batch after the fan-out completes.
func (d *Dispatcher) Deliver(ctx context.Context, recipientID string, n *Notification) (Result, error) {
	start := time.Now()

	if d.keys == nil {
		metrics.RecordDispatch("not_configured", time.Since(start))
		return Result{}, ErrNotConfigured
	}

	subs, err := d.store.ListByRecipient(ctx, recipientID)
	if err != nil {
		metrics.RecordDispatch("store_error", time.Since(start))
		return Result{}, fmt.Errorf("list subscriptions: %w", err)
	}

	// No registered devices is a normal outcome, not an error.
	if len(subs) == 0 {
		metrics.RecordDispatch("ok", time.Since(start))
		return Result{}, nil
	}

	plaintext, err := n.serialize(start)
	if err != nil {
		metrics.RecordDispatch("bad_payload", time.Since(start))
		return Result{}, err
	}

	// Fan out. Each goroutine writes only its own slot; the join below is
	// the only synchronization needed.
	outcomes := make([]Outcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *db.PushSubscription) {
			defer wg.Done()
			outcomes[i] = d.send(ctx, sub, plaintext)
		}(i, sub)
	}
	wg.Wait()

	var result Result
	var expired []uuid.UUID
	for i, outcome := range outcomes {
		metrics.RecordDelivery(outcome.String())
		switch outcome {
		case OutcomeDelivered:
			result.Sent++
		case OutcomeExpired:
			expired = append(expired, subs[i].ID)
		}
	}

	if len(expired) > 0 {
		if err := d.store.DeleteByIDs(ctx, expired); err != nil {
			// Leave the dead rows for the next dispatch to retry.
			d.logger.Error("failed to clean up expired subscriptions",
				zap.Error(err),
				zap.Int("count", len(expired)),
			)
		} else {
			result.Cleaned = len(expired)
			metrics.RecordSubscriptionsCleaned(len(expired))
		}
	}

	d.logger.Info("dispatch complete",
		zap.String("recipient_id", recipientID),
		zap.Int("subscriptions", len(subs)),
		zap.Int("sent", result.Sent),
		zap.Int("cleaned", result.Cleaned),
		zap.Duration("duration", time.Since(start)),
	)

	metrics.RecordDispatch("ok", time.Since(start))
	return result, nil
}

// send performs one per-subscription delivery attempt. Every failure mode
// is converted into an Outcome here; nothing propagates as an error.
func (d *Dispatcher) send(ctx context.Context, sub *db.PushSubscription, plaintext []byte) Outcome {
	host := endpointHost(sub.Endpoint)

	if d.breakers != nil && host != "" && !d.breakers.Allow(host) {
		metrics.RecordBreakerRejection(host)
		d.logger.Debug("send skipped, circuit open",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("host", host),
		)
		return OutcomeTransient
	}

	authHeader, err := d.keys.AuthorizationHeader(sub.Endpoint)
	if err != nil {
		d.logger.Warn("vapid signing failed",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		return OutcomeTransient
	}

	msg, err := webpush.Encrypt(plaintext, sub.P256dh, sub.Auth)
	if err != nil {
		d.logger.Warn("payload encryption failed",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		return OutcomeTransient
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(msg.Ciphertext))
	if err != nil {
		d.logger.Warn("failed to build push request",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
		)
		return OutcomeTransient
	}

	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aesgcm")
	req.Header.Set("Encryption", "salt="+msg.Salt)
	req.Header.Set("Crypto-Key", "dh="+msg.ServerPublicKey)
	req.Header.Set("TTL", strconv.Itoa(d.config.TTL))
	req.Header.Set("Urgency", "normal")

	resp, err := d.client.Do(req)
	if err != nil {
		if d.breakers != nil && host != "" {
			d.breakers.RecordFailure(host)
		}
		d.logger.Warn("push request failed",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("host", host),
		)
		return OutcomeTransient
	}
	defer resp.Body.Close()

	outcome := classify(resp.StatusCode)

	// The breaker tracks host health, not endpoint liveness; a 404/410 is
	// a healthy host telling us the device unsubscribed.
	if d.breakers != nil && host != "" {
		if outcome == OutcomeTransient {
			d.breakers.RecordFailure(host)
		} else {
			d.breakers.RecordSuccess(host)
		}
	}

	if outcome != OutcomeDelivered {
		d.logger.Info("push not delivered",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("status", resp.StatusCode),
			zap.String("outcome", outcome.String()),
		)
	}

	return outcome
}

// classify maps a push service HTTP status to a delivery outcome:
// 2xx delivered, 404/410 endpoint gone, anything else transient.
func classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeDelivered
	case status == http.StatusNotFound, status == http.StatusGone:
		return OutcomeExpired
	default:
		return OutcomeTransient
	}
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
