package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Kecupro/SoftwareManage-sub001/internal/audit"
	"github.com/Kecupro/SoftwareManage-sub001/internal/codegen"
	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/engine/auth"
	"github.com/Kecupro/SoftwareManage-sub001/internal/metrics"
	"github.com/Kecupro/SoftwareManage-sub001/internal/notify"
	"github.com/Kecupro/SoftwareManage-sub001/internal/progress"
	"github.com/Kecupro/SoftwareManage-sub001/internal/repo"
)

// CodeSource generates entity codes.
type CodeSource interface {
	Generate(parentCode, nameHint string) string
}

// Fanout receives committed workflow events.
type Fanout interface {
	Notify(ctx context.Context, ev notify.Event)
}

// requestCodePrefix is the parent code of every module request code.
const requestCodePrefix = "MR"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Progress  progress.Deriver
	Directory auth.Directory
	Codes     CodeSource
	Notifier  Fanout
	Config    *config.Config
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	driver := cfg.Database.Driver
	r := repo.Repo{DB: conn, Driver: driver}
	return Engine{
		DB:        conn,
		Repo:      r,
		Audit:     audit.Writer{Driver: driver},
		Progress:  progress.Deriver{Driver: driver},
		Directory: auth.Directory{Repo: r},
		Codes:     codegen.New(),
		Config:    cfg,
		Log:       slog.Default(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) actor(ctx context.Context, actorID string) (domain.User, error) {
	return e.Directory.Actor(ctx, actorID)
}

func (e Engine) authorize(actor domain.User, action auth.Action, target auth.Target) error {
	if !auth.CanPerform(actor, action, target) {
		return auth.ForbiddenError{Action: action}
	}
	return nil
}

func (e Engine) history(ctx context.Context, tx *sql.Tx, kind, id string, entry audit.Entry) error {
	w := e.Audit
	w.Now = e.now
	return w.Append(ctx, tx, kind, id, entry)
}

// fanout runs after commit. It detaches from the caller's cancellation so a
// client that hangs up does not drop the notifications of a committed change.
func (e Engine) fanout(ctx context.Context, events ...notify.Event) {
	if e.Notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		e.Notifier.Notify(ctx, ev)
	}
}

func (e Engine) observe(entity, action string, err error) {
	outcome := metrics.OutcomeOK
	var ite InvalidTransitionError
	switch {
	case err == nil:
	case errors.As(err, &ite):
		outcome = metrics.OutcomeConflict
	default:
		outcome = metrics.OutcomeError
	}
	e.Metrics.Transition(entity, action, outcome)
	if outcome == metrics.OutcomeError {
		e.logger().Debug("workflow operation failed", "entity", entity, "action", action, "error", err)
	}
}

// saveModule is the only write path for modules. Progress is derived from
// the module's children inside tx right before the update.
func (e Engine) saveModule(ctx context.Context, tx *sql.Tx, id string, p repo.Patch, guard *repo.Guard) error {
	pct, ok, err := e.Progress.Module(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("derive module progress: %w", err)
	}
	if ok {
		p.Set("progress", pct)
	}
	p.Set("updated_at", e.ts())
	return e.Repo.PatchModule(ctx, tx, id, p, guard)
}

// saveTask is the only write path for tasks.
func (e Engine) saveTask(ctx context.Context, tx *sql.Tx, id string, p repo.Patch) error {
	pct, ok, err := e.Progress.Task(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("derive task progress: %w", err)
	}
	if ok {
		p.Set("progress", pct)
	}
	p.Set("updated_at", e.ts())
	return e.Repo.PatchTask(ctx, tx, id, p)
}

func (e Engine) loadRequest(ctx context.Context, id string) (domain.ModuleRequest, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return req, err
	}
	req.History, err = e.Repo.History(ctx, domain.KindRequest, id)
	return req, err
}

func (e Engine) loadModule(ctx context.Context, id string) (domain.Module, error) {
	m, err := e.Repo.GetModule(ctx, id)
	if err != nil {
		return m, err
	}
	m.History, err = e.Repo.History(ctx, domain.KindModule, id)
	return m, err
}

// --- validation helpers ---

func checkLength(field, v string, min, max int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(v))
	if n < min || n > max {
		return ValidationError{Field: field, Reason: fmt.Sprintf("must be %d-%d characters", min, max)}
	}
	return nil
}

func checkEnum(field, v string, allowed []string) error {
	if !domain.Contains(allowed, v) {
		return ValidationError{Field: field, Reason: fmt.Sprintf("must be one of %s", strings.Join(allowed, ", "))}
	}
	return nil
}

func priorityOrDefault(p string) string {
	if strings.TrimSpace(p) == "" {
		return domain.PriorityMedium
	}
	return strings.TrimSpace(p)
}

// normalizeTime accepts RFC3339 timestamps and plain dates and returns UTC
// RFC3339. Empty input stays empty.
func normalizeTime(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", ValidationError{Field: field, Reason: "must be an RFC3339 timestamp or YYYY-MM-DD date"}
}

func normalizeTimeline(field string, tl domain.Timeline) (domain.Timeline, error) {
	var err error
	if tl.Start, err = normalizeTime(field+".start", tl.Start); err != nil {
		return tl, err
	}
	if tl.End, err = normalizeTime(field+".end", tl.End); err != nil {
		return tl, err
	}
	if tl.Start != "" && tl.End != "" && tl.End < tl.Start {
		return tl, ValidationError{Field: field, Reason: "end must not be before start"}
	}
	return tl, nil
}

func checkAttachments(field string, refs []domain.AttachmentRef) error {
	for i, a := range refs {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" {
			return ValidationError{Field: fmt.Sprintf("%s[%d]", field, i), Reason: "id and name are required"}
		}
	}
	return nil
}

// checkInternalUser verifies that id, when set, names an internal user.
func (e Engine) checkInternalUser(ctx context.Context, field, id string) error {
	if id == "" {
		return nil
	}
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ValidationError{Field: field, Reason: "unknown user " + id}
	}
	if err != nil {
		return err
	}
	if !u.Internal() {
		return ValidationError{Field: field, Reason: "must be an internal user"}
	}
	return nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
