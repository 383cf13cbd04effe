package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lunarbay/scriptmill/internal/config"
)

// Prober scores environment health from 0 to 100 before a run starts,
// so a multi-minute run is not burned against a known-broken target.
type Prober interface {
	Score(ctx context.Context) (int, []string)
}

// httpProber checks each configured target with a GET and scores the
// fraction that answered below 500.
type httpProber struct {
	targets []config.ProbeTarget
	client  *http.Client
}

// NewHTTPProber builds a Prober over the configured targets.
func NewHTTPProber(targets []config.ProbeTarget) Prober {
	return &httpProber{
		targets: targets,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *httpProber) Score(ctx context.Context) (int, []string) {
	if len(p.targets) == 0 {
		return 100, nil
	}

	var notes []string
	ok := 0
	for _, t := range p.targets {
		timeout := 10 * time.Second
		if t.Timeout != "" {
			if d, err := time.ParseDuration(t.Timeout); err == nil {
				timeout = d
			}
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.check(tctx, t.URL)
		cancel()
		if err != nil {
			notes = append(notes, fmt.Sprintf("%s: %v", t.Name, err))
			continue
		}
		ok++
	}
	return 100 * ok / len(p.targets), notes
}

func (p *httpProber) check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
