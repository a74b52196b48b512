package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"dicehouse/storage"
)

// Source is one pollable detection backend. Implementations return the
// transactions they currently see; dedup happens downstream in the Observer.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]*storage.Observation, error)
}

// txPayload is the wire shape shared by the HTTP poll endpoints and the
// websocket push feed.
type txPayload struct {
	Txid          string `json:"txid"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Confirmations int    `json:"confirmations"`
}

func (p txPayload) toObservation(source string, now time.Time) (*storage.Observation, error) {
	txid := strings.TrimSpace(p.Txid)
	if txid == "" {
		return nil, fmt.Errorf("ingest: payload missing txid")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
	if !ok {
		return nil, fmt.Errorf("ingest: invalid amount %q for %s", p.Amount, txid)
	}
	return &storage.Observation{
		Txid:          txid,
		Source:        source,
		FromAddress:   strings.TrimSpace(p.From),
		ToAddress:     strings.TrimSpace(p.To),
		Amount:        amount,
		Confirmations: p.Confirmations,
		ObservedAt:    now,
	}, nil
}

// HTTPSource polls a JSON endpoint that lists recently seen transactions.
type HTTPSource struct {
	name     string
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// NewHTTPSource builds a poll source against the given endpoint.
func NewHTTPSource(name, endpoint string, client *http.Client) (*HTTPSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("ingest: source name required")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("ingest: endpoint required for source %s", name)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{name: name, endpoint: endpoint, client: client, now: time.Now}, nil
}

// Name identifies the source in logs, metrics, and stored observations.
func (s *HTTPSource) Name() string { return s.name }

// Fetch retrieves the endpoint's current transaction list.
func (s *HTTPSource) Fetch(ctx context.Context) ([]*storage.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch %s: unexpected status %d", s.name, resp.StatusCode)
	}
	var payloads []txPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", s.name, err)
	}
	observations := make([]*storage.Observation, 0, len(payloads))
	now := s.now()
	for _, p := range payloads {
		obs, err := p.toObservation(s.name, now)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, nil
}
