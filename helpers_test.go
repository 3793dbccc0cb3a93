package ticketauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	To   string
	Kind MailKind
	Data map[string]string
}

// captureMailer records outbound mail for assertions.
type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (m *captureMailer) Send(_ context.Context, to string, kind MailKind, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errMailDown
	}
	copied := make(map[string]string, len(data))
	for k, v := range data {
		copied[k] = v
	}
	m.sent = append(m.sent, sentMail{To: to, Kind: kind, Data: copied})
	return nil
}

var errMailDown = errors.New("mail provider down")

func (m *captureMailer) last(t *testing.T, kind MailKind) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind {
			return m.sent[i]
		}
	}
	t.Fatalf("no %s mail was sent", kind)
	return sentMail{}
}

func (m *captureMailer) count(kind MailKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.AccessSecret = []byte("test-access-secret-0123456789abcdef")
	cfg.Token.RefreshSecret = []byte("test-refresh-secret-0123456789abcde")
	cfg.Token.EmailVerifySecret = []byte("test-verify-secret-0123456789abcdef")
	cfg.Token.PasswordResetSecret = []byte("test-reset-secret-0123456789abcdef0")
	// Small argon2 params keep the suite fast.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis, *captureMailer) {
	t.Helper()
	return newTestEngineWithConfig(t, testConfig())
}

func newTestEngineWithConfig(t *testing.T, cfg Config) (*Engine, *miniredis.Miniredis, *captureMailer) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mailer := &captureMailer{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithMailer(mailer).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return engine, mr, mailer
}

func newTestEngineWithSink(t *testing.T, cfg Config, sink AuditSink) (*Engine, *miniredis.Miniredis, *captureMailer) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mailer := &captureMailer{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithMailer(mailer).
		WithAuditSink(sink).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return engine, mr, mailer
}

// advanceClock shifts the engine's view of time without touching Redis TTLs.
func advanceClock(e *Engine, d time.Duration) {
	base := e.now
	e.now = func() time.Time { return base().Add(d) }
}

func mustRegister(t *testing.T, e *Engine, email, password string) (*Account, *TokenPair) {
	t.Helper()
	account, tokens, err := e.Register(context.Background(), RegisterInput{
		Email:    email,
		Name:     "Test User",
		Password: password,
	}, ClientMeta{IP: "127.0.0.1", UserAgent: "go-test"})
	require.NoError(t, err)
	return account, tokens
}
