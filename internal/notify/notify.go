// Package notify e-mails operators a summary when a batch finishes.
package notify

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/resend/resend-go/v2"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs emails instead of sending them, used in ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.InfoContext(ctx, "batch summary email (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender sends emails via the Resend API, used in staging/production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" || apiKey == "" {
		return &LogSender{logger: logger.With("component", "notify")}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// BatchNotifier mails a completion summary to a fixed recipient. A nil
// *BatchNotifier or empty recipient is a no-op.
type BatchNotifier struct {
	sender Sender
	to     string
	logger *slog.Logger
}

func NewBatchNotifier(sender Sender, to string, logger *slog.Logger) *BatchNotifier {
	return &BatchNotifier{sender: sender, to: to, logger: logger.With("component", "batch_notifier")}
}

var summaryTmpl = template.Must(template.New("summary").Parse(`<h2>Import batch {{.Batch.ID}} {{.Batch.Status}}</h2>
<p>Manifest: {{.Batch.ManifestPath}}</p>
<p>{{.Batch.ProcessedTasks}}/{{.Batch.TotalTasks}} tasks processed:
{{.Batch.SucceededTasks}} succeeded, {{.Batch.FailedTasks}} failed, {{.Batch.BlockedTasks}} blocked, {{.Batch.CancelledTasks}} cancelled.</p>
<table>
<tr><th>Stage</th><th>Status</th><th>Succeeded</th><th>Failed</th></tr>
{{range .Stages}}<tr><td>{{.JobType}}</td><td>{{.Status}}</td><td>{{.Succeeded}}</td><td>{{.Failed}}</td></tr>
{{end}}</table>`))

func (n *BatchNotifier) BatchCompleted(ctx context.Context, batch *domain.Batch, stages []domain.StageSummary) {
	if n == nil || n.to == "" {
		return
	}
	var body strings.Builder
	if err := summaryTmpl.Execute(&body, struct {
		Batch  *domain.Batch
		Stages []domain.StageSummary
	}{batch, stages}); err != nil {
		n.logger.ErrorContext(ctx, "render batch summary", "error", err)
		return
	}
	subject := fmt.Sprintf("Import batch %s %s", batch.ID, strings.ToLower(string(batch.Status)))
	if err := n.sender.Send(ctx, n.to, subject, body.String()); err != nil {
		n.logger.ErrorContext(ctx, "send batch summary", "error", err)
	}
}
