package remote

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Bridge is the client for the terminal's hardware bridge (alert tone,
// receipt printer). Everything here is fire-and-forget: a failed beep or
// print is logged and dropped, never retried.
type Bridge struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func NewBridge(base string, log *zap.Logger) *Bridge {
	return &Bridge{
		base: base,
		http: &http.Client{Timeout: 2 * time.Second},
		log:  log,
	}
}

// Beep plays the pending-order alert tone once.
func (b *Bridge) Beep() {
	b.post("/tone/alert")
}

// PrintReceipt sends a rendered receipt to the printer.
func (b *Bridge) PrintReceipt(payload string) {
	b.postBody("/print", payload)
}

func (b *Bridge) post(path string) {
	b.postBody(path, "")
}

func (b *Bridge) postBody(path, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, strings.NewReader(body))
	if err != nil {
		return
	}
	resp, err := b.http.Do(req)
	if err != nil {
		b.log.Debug("bridge call failed", zap.String("path", path), zap.Error(err))
		return
	}
	resp.Body.Close()
}
