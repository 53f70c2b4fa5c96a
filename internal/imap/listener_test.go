package imap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/pipeline"
	"github.com/phishing-support/pipeline/internal/store"
)

type fakeDeduper struct {
	known map[string]int64
	err   error
}

func (f *fakeDeduper) FindSubmissionBySourcePrefix(_ context.Context, prefix string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if id, ok := f.known[prefix]; ok {
		return id, nil
	}
	return 0, store.ErrNotFound
}

type runCall struct {
	eml  []byte
	opts pipeline.RunOptions
}

type fakeRunner struct {
	calls []runCall
	errs  []error // popped per call; nil entries mean success
	ids   []int64 // popped per call; missing entries default to 1
}

func (f *fakeRunner) RunEmail(_ context.Context, eml []byte, opts pipeline.RunOptions) (int64, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, runCall{eml: eml, opts: opts})
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	id := int64(1)
	if idx < len(f.ids) {
		id = f.ids[idx]
	}
	return id, err
}

func newTestListener(deduper *fakeDeduper, runner *fakeRunner) *Listener {
	if deduper == nil {
		deduper = &fakeDeduper{}
	}
	return NewListener(config.IMAPConfig{
		Mailbox:       "INBOX",
		ListenAddress: "report@phishing.support",
	}, deduper, runner)
}

const forwardedEML = "From: Reporter <reporter@example.com>\r\n" +
	"To: report@phishing.support\r\n" +
	"Subject: Fwd: suspicious mail\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--b1\r\n" +
	"Content-Type: message/rfc822; name=\"sample.eml\"\r\n" +
	"Content-Disposition: attachment; filename=\"sample.eml\"\r\n" +
	"\r\n" +
	"From: phisher@bad.example\r\n" +
	"Subject: urgent verification\r\n" +
	"\r\n" +
	"click here\r\n" +
	"--b1--\r\n"

const plainEML = "From: Reporter <reporter@example.com>\r\n" +
	"To: report@phishing.support\r\n" +
	"Subject: phishing sample\r\n" +
	"\r\n" +
	"the body is the sample\r\n"

func TestSourceKey(t *testing.T) {
	assert.Equal(t, "imap:INBOX:3:17", SourceKey("INBOX", 3, 17))
}

func TestHandleMessageSubmitsAttachment(t *testing.T) {
	runner := &fakeRunner{}
	l := newTestListener(nil, runner)

	require.NoError(t, l.handleMessage(context.Background(), []byte(forwardedEML), "imap:INBOX:3:17"))

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "imap:INBOX:3:17:att1", call.opts.Source)
	assert.Equal(t, "reporter@example.com", call.opts.NotifyTo)
	assert.Contains(t, string(call.eml), "From: phisher@bad.example")
	assert.NotContains(t, string(call.eml), "see attached")
}

func TestHandleMessageWholeBodyFallback(t *testing.T) {
	runner := &fakeRunner{}
	l := newTestListener(nil, runner)

	require.NoError(t, l.handleMessage(context.Background(), []byte(plainEML), "imap:INBOX:3:18"))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "imap:INBOX:3:18", runner.calls[0].opts.Source)
	assert.Equal(t, []byte(plainEML), runner.calls[0].eml)
}

func TestHandleMessageSkipsProcessed(t *testing.T) {
	runner := &fakeRunner{}
	deduper := &fakeDeduper{known: map[string]int64{"imap:INBOX:3:17": 99}}
	l := newTestListener(deduper, runner)

	require.NoError(t, l.handleMessage(context.Background(), []byte(forwardedEML), "imap:INBOX:3:17"))
	assert.Empty(t, runner.calls)
}

func TestHandleMessageDedupeLookupError(t *testing.T) {
	runner := &fakeRunner{}
	deduper := &fakeDeduper{err: errors.New("connection reset")}
	l := newTestListener(deduper, runner)

	err := l.handleMessage(context.Background(), []byte(forwardedEML), "imap:INBOX:3:17")
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestHandleMessageSuppressesSelfNotify(t *testing.T) {
	runner := &fakeRunner{}
	l := newTestListener(nil, runner)

	eml := "From: report@phishing.support\r\nSubject: loop\r\n\r\nbody\r\n"
	require.NoError(t, l.handleMessage(context.Background(), []byte(eml), "imap:INBOX:3:19"))

	require.Len(t, runner.calls, 1)
	assert.Empty(t, runner.calls[0].opts.NotifyTo)
}

func TestHandleMessageUnparseableIsDropped(t *testing.T) {
	runner := &fakeRunner{}
	l := newTestListener(nil, runner)

	require.NoError(t, l.handleMessage(context.Background(), []byte("not an email"), "imap:INBOX:3:20"))
	assert.Empty(t, runner.calls)
}

func TestHandleMessagePipelineFailureAfterCreateStillDurable(t *testing.T) {
	// The submission row exists (id returned), so the mail may be marked
	// seen even though the run itself failed.
	runner := &fakeRunner{errs: []error{errors.New("archive failed")}, ids: []int64{55}}
	l := newTestListener(nil, runner)

	require.NoError(t, l.handleMessage(context.Background(), []byte(forwardedEML), "imap:INBOX:3:21"))
	require.Len(t, runner.calls, 1)
}

func TestHandleMessageFailureBeforeCreateRetries(t *testing.T) {
	runner := &fakeRunner{errs: []error{errors.New("lookup failed")}, ids: []int64{0}}
	l := newTestListener(nil, runner)

	err := l.handleMessage(context.Background(), []byte(forwardedEML), "imap:INBOX:3:22")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup failed")
}
