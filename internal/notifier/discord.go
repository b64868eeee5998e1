package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/carscout/internal/models"
)

const (
	colorDefault     = 3092790  // #2F3136
	colorLeBonCoin   = 16737792 // #FF6E00
	colorLaCentrale  = 1402304  // #1565C0
	colorAutoScout24 = 16044288 // #F4D000
	colorLeParking   = 3066993  // #2ECC71

	// Discord rejects messages with more than 10 embeds.
	maxEmbedsPerMessage = 10

	maxSendAttempts = 3
	baseBackoff     = 250 * time.Millisecond
	maxRetryAfter   = 30 * time.Second
)

var sourceColors = map[models.Source]int{
	models.SourceLeBonCoin:   colorLeBonCoin,
	models.SourceLaCentrale:  colorLaCentrale,
	models.SourceAutoScout24: colorAutoScout24,
	models.SourceLeParking:   colorLeParking,
}

// Client posts new-listing summaries to a Discord webhook. A client without
// a webhook URL does nothing.
type Client struct {
	webhookURL  string
	client      *http.Client
	rateLimiter *rate.Limiter
}

func New(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		// Webhooks allow 5 requests per 2 seconds.
		rateLimiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 5),
	}
}

// NotifyNewListings sends one embed per listing, split across as many
// messages as needed. It stops at the first message that cannot be sent.
func (c *Client) NotifyNewListings(ctx context.Context, userID string, listings []models.ListingRecord) error {
	if c.webhookURL == "" || len(listings) == 0 {
		return nil
	}

	for start := 0; start < len(listings); start += maxEmbedsPerMessage {
		end := min(start+maxEmbedsPerMessage, len(listings))
		payload := discordWebhookPayload{Embeds: make([]discordEmbed, 0, end-start)}
		if start == 0 {
			payload.Content = summaryLine(len(listings))
		}
		for _, rec := range listings[start:end] {
			payload.Embeds = append(payload.Embeds, formatListingToEmbed(rec))
		}

		id, err := c.send(ctx, payload)
		if err != nil {
			return fmt.Errorf("notify %d listings for user %s: %w", len(listings), userID, err)
		}
		slog.Debug("Sent listing notification", "user_id", userID, "message_id", id, "embeds", len(payload.Embeds))
	}
	return nil
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedThumbnail struct {
	URL string `json:"url,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
	URL         string                `json:"url,omitempty"`
	Timestamp   string                `json:"timestamp,omitempty"`
	Color       int                   `json:"color,omitempty"`
	Thumbnail   discordEmbedThumbnail `json:"thumbnail,omitempty"`
	Fields      []discordEmbedField   `json:"fields,omitempty"`
	Footer      discordEmbedFooter    `json:"footer,omitempty"`
}

type discordMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func summaryLine(n int) string {
	if n == 1 {
		return "1 new listing"
	}
	return fmt.Sprintf("%d new listings", n)
}

func formatListingToEmbed(rec models.ListingRecord) discordEmbed {
	title := rec.Title + " · " + formatPrice(rec.Price)

	var fields []discordEmbedField
	if rec.Year != nil {
		fields = append(fields, discordEmbedField{Name: "Year", Value: strconv.Itoa(*rec.Year), Inline: true})
	}
	if rec.Mileage != nil {
		fields = append(fields, discordEmbedField{Name: "Mileage", Value: groupThousands(*rec.Mileage) + " km", Inline: true})
	}
	if rec.FuelType != "" {
		fields = append(fields, discordEmbedField{Name: "Fuel", Value: rec.FuelType, Inline: true})
	}
	if rec.Transmission != "" {
		fields = append(fields, discordEmbedField{Name: "Gearbox", Value: rec.Transmission, Inline: true})
	}

	var isoTimestamp string
	if !rec.ScrapedAt.IsZero() {
		isoTimestamp = rec.ScrapedAt.UTC().Format(time.RFC3339)
	}

	color, ok := sourceColors[rec.Source]
	if !ok {
		color = colorDefault
	}

	return discordEmbed{
		Title:       title,
		URL:         rec.SourceURL,
		Description: rec.Location,
		Timestamp:   isoTimestamp,
		Color:       color,
		Thumbnail:   discordEmbedThumbnail{URL: rec.ImageURL},
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: string(rec.Source)},
	}
}

// formatPrice renders a euro amount the French way: "12 500 €" or
// "12 500,50 €".
func formatPrice(price float64) string {
	whole := math.Trunc(price)
	cents := int(math.Round((price - whole) * 100))
	if cents == 100 {
		whole++
		cents = 0
	}
	s := groupThousands(int(whole))
	if cents > 0 {
		s += fmt.Sprintf(",%02d", cents)
	}
	return s + " €"
}

func groupThousands(n int) string {
	digits := strconv.Itoa(n)
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// send posts payload and returns the created message id. 429 and 5xx
// responses are retried; any other failure is returned as is.
func (c *Client) send(ctx context.Context, payload discordWebhookPayload) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(c.webhookURL)
	if err != nil {
		return "", err
	}
	q := parsedURL.Query()
	q.Set("wait", "true")
	parsedURL.RawQuery = q.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsedURL.String(), bytes.NewReader(payloadBytes))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", err
		}
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var msgResponse discordMessageResponse
			if err := json.Unmarshal(bodyBytes, &msgResponse); err != nil {
				return "", err
			}
			return msgResponse.ID, nil
		}

		backoff := retryBackoff(resp, attempt)
		if backoff == 0 || attempt+1 >= maxSendAttempts {
			return "", fmt.Errorf("discord status: %s, body: %s", resp.Status, string(bodyBytes))
		}
		slog.Warn("Discord webhook request failed, retrying", "status", resp.StatusCode, "attempt", attempt+1, "backoff", backoff)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// retryBackoff returns how long to wait before retrying resp, or 0 when the
// response should not be retried.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return d
		}
		return baseBackoff << attempt
	case resp.StatusCode >= 500:
		return baseBackoff << attempt
	}
	return 0
}

// parseRetryAfter reads Discord's Retry-After header, which may carry
// fractional seconds.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return min(time.Duration(secs*float64(time.Second)), maxRetryAfter), true
}
