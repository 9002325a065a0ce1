// Package telegram sends the upgrade outcome to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
)

// maxResponseBytes bounds how much of the Bot API reply is read.
const maxResponseBytes = 64 << 10

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// SendNotification reports the upgrade outcome. Delivery problems are returned
// in the result and never as an error, so they cannot change the run's outcome.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	event := s.logger.Info().Str("chat_id", cfg.ChatID).Bool("success", msg.Success)
	if msg.FailedStage != "" {
		event = event.Str("failed_stage", msg.FailedStage)
	}
	event.Msg("sending upgrade notification")

	if err := s.post(ctx, cfg, s.formatMessage(msg)); err != nil {
		s.logger.Warn().Err(err).Msg("upgrade notification not delivered")
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	result.MessageSent = true
	s.logger.Info().Msg("upgrade notification sent")

	return result, nil
}

func (s *Impl) post(ctx context.Context, cfg models.TelegramConfig, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apiResp apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if json.Unmarshal(raw, &apiResp) == nil && apiResp.Description != "" {
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, apiResp.Description)
	}
	return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	if msg.Success {
		b.WriteString("✅ <b>MariaDB Upgrade Successful</b>\n\n")
	} else {
		b.WriteString("❌ <b>MariaDB Upgrade Failed</b>\n\n")
	}

	fmt.Fprintf(&b, "🖥 <b>Host:</b> %s\n", html.EscapeString(msg.Host))
	fmt.Fprintf(&b, "🔄 <b>Upgrade:</b> %s → %s\n", html.EscapeString(msg.FromVersion), html.EscapeString(msg.ToVersion))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if msg.Databases > 0 {
		b.WriteString("\n<b>💾 Backup:</b>\n")
		fmt.Fprintf(&b, "  • Databases: %d\n", msg.Databases)
		fmt.Fprintf(&b, "  • Directory: <code>%s</code>\n", html.EscapeString(msg.BackupDir))
		fmt.Fprintf(&b, "  • Size: %s\n", humanize.IBytes(uint64(msg.BackupBytes))) //nolint:gosec // sizes are never negative
		if msg.SnapshotID != "" {
			fmt.Fprintf(&b, "  • Offsite snapshot: <code>%s</code>\n", html.EscapeString(msg.SnapshotID))
		}
	}

	if msg.Success {
		fmt.Fprintf(&b, "\n🛠 <b>mariadb-upgrade:</b> %s\n", msg.MigrationTime.Round(time.Second))
		return b.String()
	}

	b.WriteString("\n<b>⚠️ Error Details:</b>\n")
	fmt.Fprintf(&b, "  • Failed stage: %s\n", html.EscapeString(msg.FailedStage))
	fmt.Fprintf(&b, "  • Error: <code>%s</code>\n", html.EscapeString(msg.ErrorMessage))
	if msg.Databases > 0 {
		b.WriteString("  • Dumps in the backup directory are kept for manual restore\n")
	}

	return b.String()
}
