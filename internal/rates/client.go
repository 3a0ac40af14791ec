// Package rates предоставляет клиент для внешнего источника курсов валют.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// Client инкапсулирует HTTP-взаимодействие с источником курсов валют.
// Сетевые и 5xx-ошибки повторяются клиентом с экспоненциальной задержкой.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Rate описывает курс одной валютной пары из ответа источника.
type Rate struct {
	Base   string
	Target string
	Rate   decimal.Decimal
	Source string
	AsOf   time.Time
}

// ratesResponse описывает ответ источника: курсы передаются строками,
// чтобы не терять точность на плавающей точке.
type ratesResponse struct {
	Base   string            `json:"base"`
	Rates  map[string]string `json:"rates"`
	Source string            `json:"source"`
	AsOf   time.Time         `json:"as_of"`
}

// NewClient создаёт HTTP-клиент источника курсов по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// GetRates запрашивает текущие курсы базовой валюты к указанным целевым.
func (c *Client) GetRates(ctx context.Context, base string, targets []string) ([]Rate, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("rates client not configured")
	}

	baseAddr := c.baseURL
	if !strings.HasPrefix(baseAddr, "http://") && !strings.HasPrefix(baseAddr, "https://") {
		baseAddr = "http://" + baseAddr
	}

	url := fmt.Sprintf("%s/api/rates/%s?targets=%s", baseAddr, base, strings.Join(targets, ","))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	asOf := body.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	res := make([]Rate, 0, len(body.Rates))
	for target, raw := range body.Rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse rate %s/%s: %w", body.Base, target, err)
		}
		res = append(res, Rate{
			Base:   body.Base,
			Target: target,
			Rate:   rate,
			Source: body.Source,
			AsOf:   asOf,
		})
	}

	return res, nil
}
