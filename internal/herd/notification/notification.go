// Package notification delivers terminal-state events to configured webhook
// endpoints with at-most-once semantics: the notified flag is persisted
// before delivery is attempted and failed deliveries are never retried.
package notification

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/herdcompute/herd/internal/herd/configuration"
	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/repository"
)

const defaultHookTimeout = 10 * time.Second

type Event struct {
	BatchId string            `json:"batchId"`
	State   domain.BatchState `json:"state"`
}

type hook struct {
	config configuration.WebhookConfig
	client *resty.Client
}

type Dispatcher struct {
	batchRepository repository.BatchRepository
	hooks           []*hook
}

func NewDispatcher(batchRepository repository.BatchRepository, configs []configuration.WebhookConfig) *Dispatcher {
	hooks := make([]*hook, 0, len(configs))
	for _, c := range configs {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultHookTimeout
		}
		client := resty.New().SetTimeout(timeout)
		if c.Username != "" {
			client.SetBasicAuth(c.Username, c.Password)
		}
		hooks = append(hooks, &hook{config: c, client: client})
	}
	return &Dispatcher{batchRepository: batchRepository, hooks: hooks}
}

// NotifyTerminal marks every terminal unnotified batch as notified in one
// batched update, then issues one best-effort delivery per configured hook
// carrying all events collected in this call.
func (d *Dispatcher) NotifyTerminal() {
	batches, err := d.batchRepository.GetTerminalUnnotified()
	if err != nil {
		log.WithError(err).Error("Failed to list batches pending notification")
		return
	}
	if len(batches) == 0 {
		return
	}

	ids := make([]string, 0, len(batches))
	events := make([]Event, 0, len(batches))
	for _, batch := range batches {
		ids = append(ids, batch.Id)
		events = append(events, Event{BatchId: batch.Id, State: batch.State})
	}

	if err := d.batchRepository.MarkNotified(ids); err != nil {
		log.WithError(err).Error("Failed to mark batches notified")
		return
	}

	for _, h := range d.hooks {
		if err := h.deliver(events); err != nil {
			log.WithError(err).Warnf("Webhook delivery to %s failed", h.config.Url)
		}
	}
}

func (h *hook) deliver(events []Event) error {
	method := strings.ToUpper(h.config.Method)
	if method == "" {
		method = http.MethodPost
	}
	response, err := h.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(events).
		Execute(method, h.config.Url)
	if err != nil {
		return err
	}
	if !response.IsSuccess() {
		return errors.Errorf("webhook %s returned status %d", h.config.Url, response.StatusCode())
	}
	return nil
}
