package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/types"

	"github.com/rs/zerolog"
)

// HTTPLoader reads GET {base}/api/chat/{room}/messages/.
type HTTPLoader struct {
	baseURL string
	token   string
	userID  string
	client  *http.Client
	log     zerolog.Logger
}

type HTTPOption func(*HTTPLoader)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(l *HTTPLoader) { l.client = c }
}

func WithBearerToken(token string) HTTPOption {
	return func(l *HTTPLoader) { l.token = token }
}

// WithUser names the caller in the "user" query parameter, which a relay
// running without an auth key requires.
func WithUser(userID string) HTTPOption {
	return func(l *HTTPLoader) { l.userID = userID }
}

func NewHTTPLoader(baseURL string, log zerolog.Logger, opts ...HTTPOption) *HTTPLoader {
	l := &HTTPLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "history").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *HTTPLoader) Load(ctx context.Context, roomID string) ([]models.Message, error) {
	endpoint := l.baseURL + "/api/chat/" + url.PathEscape(roomID) + "/messages/"
	if l.userID != "" {
		endpoint += "?" + url.Values{"user": {l.userID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrHistoryFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrHistoryFetch, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelopes []types.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrHistoryFetch, err)
	}

	l.log.Debug().Str("room", roomID).Int("count", len(envelopes)).Msg("history fetched")
	return types.ToMessages(envelopes, roomID), nil
}
