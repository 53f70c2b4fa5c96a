// Package imap watches a reporting mailbox and feeds forwarded phishing
// samples into the email pipeline. Each fetched message gets a durable
// source key derived from mailbox identity, so a restart never submits
// the same mail twice even when \Seen flags were lost.
package imap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/mail"
	"github.com/phishing-support/pipeline/internal/pipeline"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
	"github.com/phishing-support/pipeline/internal/store"
)

// Runner starts email pipelines. Satisfied by *pipeline.Orchestrator.
type Runner interface {
	RunEmail(ctx context.Context, eml []byte, opts pipeline.RunOptions) (int64, error)
}

// Deduper answers whether a source key was already processed. Satisfied
// by *store.Store.
type Deduper interface {
	FindSubmissionBySourcePrefix(ctx context.Context, prefix string) (int64, error)
}

// Listener polls one IMAP mailbox for new messages.
type Listener struct {
	cfg    config.IMAPConfig
	store  Deduper
	runner Runner

	// PollInterval is the fallback cadence between sweeps when the
	// server holds no IDLE update. Zero means 1 minute.
	PollInterval time.Duration
}

// NewListener creates a mailbox listener.
func NewListener(cfg config.IMAPConfig, st Deduper, runner Runner) *Listener {
	return &Listener{cfg: cfg, store: st, runner: runner}
}

func (l *Listener) pollInterval() time.Duration {
	if l.PollInterval > 0 {
		return l.PollInterval
	}
	return time.Minute
}

func (l *Listener) mailbox() string {
	if l.cfg.Mailbox != "" {
		return l.cfg.Mailbox
	}
	return "INBOX"
}

// Run connects and processes the mailbox until ctx is cancelled,
// reconnecting with a fixed delay after connection failures.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		client, err := l.connect()
		if err != nil {
			logger.Error("imap connect", "host", l.cfg.Host, "error", err)
		} else {
			if err := l.session(ctx, client); err != nil && ctx.Err() == nil {
				logger.Error("imap session", "mailbox", l.mailbox(), "error", err)
			}
			client.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}
}

func (l *Listener) connect() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := client.Login(l.cfg.User, l.cfg.Pass).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("login %s: %w", l.cfg.User, err)
	}
	return client, nil
}

// session selects the mailbox and alternates sweep and idle until the
// context ends or a command fails.
func (l *Listener) session(ctx context.Context, client *imapclient.Client) error {
	sel, err := client.Select(l.mailbox(), nil).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", l.mailbox(), err)
	}
	logger.Info("imap mailbox selected", "mailbox", l.mailbox(),
		"uidValidity", sel.UIDValidity, "messages", sel.NumMessages)

	for {
		if err := l.sweep(ctx, client, sel.UIDValidity); err != nil {
			return err
		}
		if err := l.wait(ctx, client); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// wait idles on the connection for one poll interval. Servers without
// IDLE just make this a plain sleep.
func (l *Listener) wait(ctx context.Context, client *imapclient.Client) error {
	idle, err := client.Idle()
	if err != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.pollInterval()):
			return nil
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(l.pollInterval()):
	}
	if err := idle.Close(); err != nil {
		return fmt.Errorf("idle close: %w", err)
	}
	return idle.Wait()
}

// sweep fetches every unseen message and submits the new ones. \Seen is
// set only after the sample is durably recorded, so a crash mid-sweep
// re-delivers instead of losing reports.
func (l *Listener) sweep(ctx context.Context, client *imapclient.Client, uidValidity uint32) error {
	search, err := client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}

	for _, uid := range search.AllUIDs() {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := l.fetchMessage(client, uid)
		if err != nil {
			logger.Error("imap fetch", "uid", uid, "error", err)
			continue
		}

		key := SourceKey(l.mailbox(), uidValidity, uint32(uid))
		if err := l.handleMessage(ctx, raw, key); err != nil {
			logger.Error("imap message", "source", key, "error", err)
			continue
		}
		if err := l.markSeen(client, uid); err != nil {
			logger.Error("imap mark seen", "uid", uid, "error", err)
		}
	}
	return nil
}

func (l *Listener) fetchMessage(client *imapclient.Client, uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{}
	msgs, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	raw := msgs[0].FindBodySection(section)
	if len(raw) == 0 {
		return nil, fmt.Errorf("uid %d has an empty body", uid)
	}
	return raw, nil
}

func (l *Listener) markSeen(client *imapclient.Client, uid imap.UID) error {
	return client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil).Close()
}

// SourceKey derives the durable provenance key of one mailbox message.
func SourceKey(mailbox string, uidValidity, uid uint32) string {
	return fmt.Sprintf("imap:%s:%d:%d", mailbox, uidValidity, uid)
}

// handleMessage submits a fetched mail. Forwarded reports usually attach
// the offending message as .eml; each attachment becomes its own
// submission keyed "<source>:attN". Without attachments the message
// itself is the sample. A nil return means the mail is durably handled
// and safe to mark \Seen.
func (l *Listener) handleMessage(ctx context.Context, raw []byte, sourceKey string) error {
	_, err := l.store.FindSubmissionBySourcePrefix(ctx, sourceKey)
	switch {
	case err == nil:
		logger.Debug("imap message already processed", "source", sourceKey)
		return nil
	case err != store.ErrNotFound:
		return fmt.Errorf("dedupe lookup: %w", err)
	}

	msg, err := mail.Parse(raw)
	if err != nil {
		// A message that cannot even be parsed would wedge the sweep
		// forever; record nothing and let it be marked seen.
		logger.Warn("imap message unparseable, skipping", "source", sourceKey, "error", err)
		return nil
	}
	notifyTo := msg.SenderAddress()
	if l.cfg.ListenAddress != "" && notifyTo == strings.ToLower(l.cfg.ListenAddress) {
		// Self-addressed mail (bounces, loops) gets no verdict reply.
		notifyTo = ""
	}

	attachments := msg.EMLAttachments()
	if len(attachments) == 0 {
		id, err := l.runner.RunEmail(ctx, raw, pipeline.RunOptions{
			Source:   sourceKey,
			NotifyTo: notifyTo,
		})
		if err != nil && id == 0 {
			return err
		}
		if err != nil {
			logger.Error("email pipeline", "submissionId", id, "source", sourceKey, "error", err)
		}
		return nil
	}

	var firstErr error
	durable := false
	for i, att := range attachments {
		id, err := l.runner.RunEmail(ctx, att.Body, pipeline.RunOptions{
			Source:   fmt.Sprintf("%s:att%d", sourceKey, i+1),
			NotifyTo: notifyTo,
		})
		if id != 0 {
			durable = true
		}
		if err != nil {
			logger.Error("email pipeline", "submissionId", id, "source", sourceKey, "attachment", att.Filename, "error", err)
			if firstErr == nil && id == 0 {
				firstErr = err
			}
		}
	}
	if durable {
		// At least one attachment is recorded; failed siblings were a
		// pipeline problem, not a delivery problem, so do not refetch.
		return nil
	}
	return firstErr
}
