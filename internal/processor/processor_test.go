package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tkingovr/isnad/api"
	"github.com/tkingovr/isnad/internal/anchor"
	"github.com/tkingovr/isnad/internal/audit"
	"github.com/tkingovr/isnad/internal/journal"
	"github.com/tkingovr/isnad/internal/signer"
)

const fingerprint = "54fb233cb5dd416c606a63bfb3c33d52f57413f56c79501fb4dbfd2860ceed16"

type signFunc func(ctx context.Context, job signer.Job) (*signer.Output, error)

func (f signFunc) Sign(ctx context.Context, job signer.Job) (*signer.Output, error) {
	return f(ctx, job)
}

// writesCertificate simulates a tool that signs successfully.
func writesCertificate(body string) signFunc {
	return func(_ context.Context, job signer.Job) (*signer.Output, error) {
		if err := os.WriteFile(job.SourcePath+CertificateSuffix, []byte(body), 0o600); err != nil {
			return nil, err
		}
		return &signer.Output{}, nil
	}
}

type recordingPublisher struct {
	records []anchor.Record
	err     error
}

func (r *recordingPublisher) Publish(_ context.Context, rec anchor.Record) (*anchor.Receipt, error) {
	r.records = append(r.records, rec)
	if r.err != nil {
		return nil, r.err
	}
	return &anchor.Receipt{TxHash: "0xabc"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// processingRequest creates a record and advances it to processing.
func processingRequest(t *testing.T, store audit.Store) *audit.Request {
	t.Helper()
	ctx := context.Background()
	req, err := store.Create(ctx, &audit.Request{ComponentName: "demo", Version: "v1.0.0", Code: []byte("print(1)")})
	require.NoError(t, err)
	req, err = store.Transition(ctx, req.ID, api.StatusPendingPayment, api.StatusProcessing, audit.Paid("0x01"))
	require.NoError(t, err)
	return req
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "transient files left behind")
}

func TestRun_Completed(t *testing.T) {
	store := audit.NewMemoryStore()
	work := t.TempDir()
	j, err := journal.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	defer j.Close()
	pub := &recordingPublisher{}

	var seen signer.Job
	sign := func(ctx context.Context, job signer.Job) (*signer.Output, error) {
		seen = job
		code, err := os.ReadFile(job.SourcePath)
		require.NoError(t, err)
		require.Equal(t, "print(1)", string(code))
		return writesCertificate(`{"fingerprint":"` + fingerprint + `","signature":"sig"}`)(ctx, job)
	}

	p := New(store, signFunc(sign), testLogger(), WithWorkDir(work), WithJournal(j), WithAnchor(pub, 0))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, rec.Status)
	require.Equal(t, fingerprint, rec.Result.Fingerprint)
	require.Equal(t, "sig", rec.Result.Signature)
	require.Nil(t, rec.Error)
	require.Nil(t, rec.Code)

	require.Equal(t, "demo", seen.Component)
	require.Equal(t, req.ID, seen.AuditID)
	require.True(t, strings.HasPrefix(seen.SourcePath, work))
	requireEmptyDir(t, work)

	require.Len(t, pub.records, 1)
	require.Equal(t, fingerprint, pub.records[0].Fingerprint)

	events, err := j.Query(context.Background(), api.QueryFilter{AuditID: req.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, api.EventCompleted, events[0].Kind)
	require.Equal(t, api.EventAnchored, events[1].Kind)
}

func TestRun_ManifestCertificate(t *testing.T) {
	store := audit.NewMemoryStore()
	body := `{"manifest":{"isnad_v":"1.0","comp":"demo","v":"v1.0.0","hash":"` + fingerprint + `","auditor":"leo"},"signature":"pgp"}`
	p := New(store, writesCertificate(body), testLogger(), WithWorkDir(t.TempDir()))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, rec.Status)
	require.Equal(t, fingerprint, rec.Result.Fingerprint)
	require.Contains(t, string(rec.Result.Manifest), `"auditor":"leo"`)
}

func TestRun_ToolFailure(t *testing.T) {
	store := audit.NewMemoryStore()
	work := t.TempDir()
	sign := func(_ context.Context, job signer.Job) (*signer.Output, error) {
		// Leave a partial artifact behind.
		os.WriteFile(job.SourcePath+CertificateSuffix, []byte("{"), 0o600)
		return &signer.Output{}, &signer.ExitError{Code: 1, Stderr: "gpg: no secret key\n"}
	}
	p := New(store, signFunc(sign), testLogger(), WithWorkDir(work))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	require.Equal(t, "gpg: no secret key", *rec.Error)
	require.Nil(t, rec.Result)
	requireEmptyDir(t, work)
}

func TestRun_DiagnosticRedacted(t *testing.T) {
	store := audit.NewMemoryStore()
	sign := func(context.Context, signer.Job) (*signer.Output, error) {
		return &signer.Output{}, &signer.ExitError{Code: 1, Stderr: "anchor: POST https://polygon-mainnet.g.alchemy.com/v2/abcdEFGH1234ijklMNOP: 401"}
	}
	p := New(store, signFunc(sign), testLogger(), WithWorkDir(t.TempDir()))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, rec.Status)
	require.NotContains(t, *rec.Error, "abcdEFGH1234ijklMNOP")
	require.Contains(t, *rec.Error, "401")
}

func TestRun_MissingCertificate(t *testing.T) {
	store := audit.NewMemoryStore()
	work := t.TempDir()
	noop := func(context.Context, signer.Job) (*signer.Output, error) { return &signer.Output{}, nil }
	p := New(store, signFunc(noop), testLogger(), WithWorkDir(work))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, rec.Status)
	require.Equal(t, "signature generation failed", *rec.Error)
	requireEmptyDir(t, work)
}

func TestRun_Timeout(t *testing.T) {
	store := audit.NewMemoryStore()
	work := t.TempDir()
	slow := func(_ context.Context, job signer.Job) (*signer.Output, error) {
		os.WriteFile(job.SourcePath+CertificateSuffix, []byte("partial"), 0o600)
		return &signer.Output{}, fmt.Errorf("%w after 1s", signer.ErrTimeout)
	}
	p := New(store, signFunc(slow), testLogger(), WithWorkDir(work))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, rec.Status)
	require.Contains(t, *rec.Error, "timed out")
	requireEmptyDir(t, work)
}

func TestRun_MalformedCertificate(t *testing.T) {
	store := audit.NewMemoryStore()
	p := New(store, writesCertificate(`{"signature":"x"}`), testLogger(), WithWorkDir(t.TempDir()))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, rec.Status)
	require.Contains(t, *rec.Error, "fingerprint")
}

func TestRun_AnchorFailureDoesNotFailAudit(t *testing.T) {
	store := audit.NewMemoryStore()
	j, err := journal.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	defer j.Close()
	pub := &recordingPublisher{err: errors.New("rpc down")}

	p := New(store, writesCertificate(`{"fingerprint":"`+fingerprint+`","signature":"sig"}`), testLogger(),
		WithWorkDir(t.TempDir()), WithJournal(j), WithAnchor(pub, 0))
	req := processingRequest(t, store)

	rec, err := p.Run(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, rec.Status)

	events, _ := j.Query(context.Background(), api.QueryFilter{Kind: api.EventAnchorFailed})
	require.Len(t, events, 1)
	require.Contains(t, events[0].Message, "rpc down")
}

func TestRun_RequiresProcessing(t *testing.T) {
	store := audit.NewMemoryStore()
	called := false
	sign := func(context.Context, signer.Job) (*signer.Output, error) {
		called = true
		return &signer.Output{}, nil
	}
	p := New(store, signFunc(sign), testLogger(), WithWorkDir(t.TempDir()))

	req, err := store.Create(context.Background(), &audit.Request{ComponentName: "demo", Code: []byte("x")})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), req.ID)
	ce, ok := audit.IsConflict(err)
	require.True(t, ok)
	require.Equal(t, api.StatusPendingPayment, ce.Current)
	require.False(t, called)

	_, err = p.Run(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestWorkspace_ScopedPerID(t *testing.T) {
	root := t.TempDir()
	a, err := NewWorkspace(root, "same", []byte("a"))
	require.NoError(t, err)
	b, err := NewWorkspace(root, "same", []byte("b"))
	require.NoError(t, err)
	require.NotEqual(t, a.Dir(), b.Dir())

	w, err := NewWorkspace(root, "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, root, filepath.Dir(w.Dir()))

	for _, ws := range []*Workspace{a, b, w} {
		require.NoError(t, ws.Close())
	}
	requireEmptyDir(t, root)
}

func TestParseCertificate(t *testing.T) {
	cert, err := ParseCertificate([]byte(`{"fingerprint":" abc ","signature":"s"}`))
	require.NoError(t, err)
	require.Equal(t, "abc", cert.Fingerprint)
	require.Empty(t, cert.Manifest)

	cert, err = ParseCertificate([]byte(`{"manifest":{"hash":"def"},"signature":"s"}`))
	require.NoError(t, err)
	require.Equal(t, "def", cert.Fingerprint)

	for _, bad := range []string{`not json`, `{}`, `{"fingerprint":"abc"}`, `{"manifest":"x","signature":"s"}`} {
		_, err := ParseCertificate([]byte(bad))
		require.Error(t, err, bad)
	}
}
