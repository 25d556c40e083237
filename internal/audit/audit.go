package audit

import (
	"context"
	"encoding/json"
	"log"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"clientportal/internal/models"
)

const (
	ActionRegistered      = "auth.registered"
	ActionAccountLocked   = "auth.account_locked"
	ActionRefreshReuse    = "auth.refresh_reuse_detected"
	ActionPasswordReset   = "auth.password_reset"
	ActionEmailVerified   = "auth.email_verified"
	ActionProviderLinked  = "auth.provider_linked"
	ActionFederatedSignIn = "auth.federated_sign_in"
)

type ctxKey string

const (
	clientIPKey  ctxKey = "audit_client_ip"
	requestIDKey ctxKey = "audit_request_id"
)

// WithClientIP attaches the caller's address so entries recorded further down
// the call chain carry it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey, ip)
}

func ClientIP(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func requestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

type Appender interface {
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Recorder appends audit entries and mirrors each one to the log. A failed
// append is logged and otherwise ignored; auditing never fails a request.
type Recorder struct {
	sink Appender
	now  func() time.Time
}

func NewRecorder(sink Appender) *Recorder {
	return &Recorder{sink: sink, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, e models.AuditEntry) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIP(ctx)
	}
	line := map[string]any{
		"ts":          e.CreatedAt.Format(time.RFC3339Nano),
		"type":        "audit",
		"action":      e.Action,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
	}
	if e.ActorID != "" {
		line["actor_id"] = e.ActorID
	}
	if e.IPAddress != "" {
		line["ip"] = e.IPAddress
	}
	if rid := requestID(ctx); rid != "" {
		line["request_id"] = rid
	}
	if e.Details != "" {
		line["details"] = e.Details
	}
	if data, err := json.Marshal(line); err == nil {
		log.Println(string(data))
	}
	if r.sink == nil {
		return
	}
	if err := r.sink.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		log.Printf("audit append failed action=%s entity_id=%s err=%v", e.Action, e.EntityID, err)
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
