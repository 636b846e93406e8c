package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/coop"
)

// Webhook posts each payload as JSON to the URL configured for its kind,
// adding portal_url. Kinds without a URL are skipped.
type Webhook struct {
	URLs      map[coop.EventKind]string
	PortalURL string
	Client    *http.Client
	Log       *log.Logger
}

func NewWebhook(urls map[coop.EventKind]string, portalURL string, logger *log.Logger) *Webhook {
	return &Webhook{
		URLs:      urls,
		PortalURL: portalURL,
		Client:    &http.Client{Timeout: 10 * time.Second},
		Log:       logger,
	}
}

func (w *Webhook) Dispatch(ctx context.Context, kind coop.EventKind, p Payload) bool {
	url := w.URLs[kind]
	if url == "" {
		w.Log.Debug("no webhook configured", "kind", kind)
		return false
	}

	body := make(Payload, len(p)+1)
	for k, v := range p {
		body[k] = v
	}
	body["portal_url"] = w.PortalURL

	buf, err := json.Marshal(body)
	if err != nil {
		w.Log.Error("encode webhook payload", "kind", kind, "err", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		w.Log.Error("build webhook request", "kind", kind, "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		w.Log.Error("webhook failed", "kind", kind, "err", err)
		return false
	}
	defer resp.Body.Close()

	w.Log.Info("webhook triggered", "kind", kind, "status", resp.StatusCode)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
