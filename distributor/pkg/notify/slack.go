package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/airdrop/distributor/pkg/distributor"
	"github.com/slack-go/slack"
)

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	// Cluster labels the message. Optional.
	Cluster    string
	HTTPClient *http.Client
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// Slack posts a run report to an incoming webhook.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// RunFinished reports the result of a distribution run. runErr is the error
// returned by Run, nil on success.
func (s *Slack) RunFinished(ctx context.Context, summary *distributor.Summary, runErr error) error {
	msg := RunMessage(s.cfg.Cluster, summary, runErr)
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	s.log.Debug("notify: posted run report to slack")
	return nil
}

// RunMessage renders summary as a webhook message.
func RunMessage(cluster string, summary *distributor.Summary, runErr error) *slack.WebhookMessage {
	title := "Airdrop complete"
	switch {
	case runErr != nil:
		title = "Airdrop halted"
	case summary != nil && summary.DryRun:
		title = "Airdrop dry run complete"
	}
	if cluster != "" {
		title += " on " + cluster
	}

	var lines []string
	if summary != nil {
		if summary.RunID != "" {
			lines = append(lines, fmt.Sprintf("Run `%s`", summary.RunID))
		}
		lines = append(lines, fmt.Sprintf("*Recipients paid:* %d", summary.Paid))
		lines = append(lines, fmt.Sprintf("*Batches:* %d confirmed, %d skipped of %d", summary.BatchesConfirmed, summary.BatchesSkipped, summary.Batches))
		if len(summary.Absent) > 0 {
			lines = append(lines, fmt.Sprintf("*Without token account:* %d", len(summary.Absent)))
		}
		if summary.Resumed > 0 {
			lines = append(lines, fmt.Sprintf("*Resumed past:* %d", summary.Resumed))
		}
		lines = append(lines, fmt.Sprintf("*Priority fee:* %d micro-lamports/CU", summary.PriorityFee))
		if summary.HaltedBatch >= 0 {
			lines = append(lines, fmt.Sprintf("*Halted at batch:* %d", summary.HaltedBatch))
		}
	}
	if runErr != nil {
		lines = append(lines, fmt.Sprintf("*Error:* `%s`", runErr.Error()))
	}

	return &slack.WebhookMessage{
		Text: title,
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{
				slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
				slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false), nil, nil),
			},
		},
	}
}
