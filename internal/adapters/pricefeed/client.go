// Package pricefeed obtiene reportes de precio de cierre desde fuentes HTTP.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alejandrodnm/forecast/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 5
	defaultTimeout    = 10 * time.Second
	defaultRetries    = 3
	defaultRetryWait  = 500 * time.Millisecond
)

// Source es un endpoint de precios. El nombre es la identidad del reporte.
type Source struct {
	Name string `yaml:"name" toml:"name" validate:"required"`
	URL  string `yaml:"url" toml:"url" validate:"required,url"`
}

// Config de la feed. Los ceros toman los valores por defecto.
type Config struct {
	Sources           []Source
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxRetries        int
	RetryWait         time.Duration
}

// quote es la respuesta de una fuente.
type quote struct {
	Price      uint64 `json:"price"`
	Timestamp  int64  `json:"timestamp"`
	Confidence uint16 `json:"confidence"`
}

// Client implementa ports.PriceFeed con un rate limiter por fuente y retries.
type Client struct {
	http       *http.Client
	sources    []Source
	limiters   []*rate.Limiter
	maxRetries int
	retryWait  time.Duration
}

// NewClient crea un Client.
func NewClient(cfg Config) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRatePerSec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	c := &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		sources:    cfg.Sources,
		maxRetries: cfg.MaxRetries,
		retryWait:  cfg.RetryWait,
	}
	for range cfg.Sources {
		c.limiters = append(c.limiters, rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1))
	}
	return c
}

// FetchReports consulta todas las fuentes para el cierre de epoch. Las fuentes
// que fallan o devuelven un precio anterior al fin de la época se omiten; sólo
// es error que ninguna responda.
func (c *Client) FetchReports(ctx context.Context, marketID string, epoch domain.Epoch) ([]domain.OraclePrice, error) {
	if len(c.sources) == 0 {
		return nil, errors.New("pricefeed.FetchReports: no sources configured")
	}
	var (
		reports []domain.OraclePrice
		errs    []error
	)
	for i, src := range c.sources {
		var q quote
		if err := c.get(ctx, c.limiters[i], quoteURL(src.URL, marketID, epoch), &q); err != nil {
			slog.Warn("pricefeed: source failed", "source", src.Name, "epoch", epoch.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}
		if q.Timestamp < epoch.EndTimestamp || q.Price == 0 {
			slog.Debug("pricefeed: quote skipped", "source", src.Name, "ts", q.Timestamp, "price", q.Price)
			continue
		}
		reports = append(reports, domain.OraclePrice{
			Price:      q.Price,
			Timestamp:  q.Timestamp,
			Source:     src.Name,
			Confidence: q.Confidence,
		})
	}
	if len(reports) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("pricefeed.FetchReports: %w", errors.Join(errs...))
	}
	return reports, nil
}

func quoteURL(base, marketID string, epoch domain.Epoch) string {
	q := url.Values{}
	q.Set("market", marketID)
	q.Set("epoch", strconv.FormatUint(epoch.ID, 10))
	q.Set("at", strconv.FormatInt(epoch.EndTimestamp, 10))
	return base + "?" + q.Encode()
}

// get hace un GET con rate limiting y backoff exponencial.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, rawURL string, out any) error {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == c.maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == c.maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, c.maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", c.maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
