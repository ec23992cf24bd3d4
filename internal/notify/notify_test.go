package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
	"github.com/Kecupro/SoftwareManage-sub001/internal/metrics"
	"github.com/Kecupro/SoftwareManage-sub001/internal/notify"
)

type fakeDirectory struct {
	users []domain.User
	err   error
}

func (d fakeDirectory) UsersWithRoles(_ context.Context, roles ...string) ([]domain.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []domain.User
	for _, u := range d.users {
		for _, r := range roles {
			if u.Role == r {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

func (d fakeDirectory) UsersForPartner(_ context.Context, partnerID string) ([]domain.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []domain.User
	for _, u := range d.users {
		if u.Role == domain.RolePartner && u.PartnerID == partnerID {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeSink struct {
	saved []domain.Notification
	fail  map[string]error
}

func (s *fakeSink) InsertNotification(_ context.Context, n domain.Notification) error {
	if err := s.fail[n.RecipientUserID]; err != nil {
		return err
	}
	s.saved = append(s.saved, n)
	return nil
}

func (s *fakeSink) recipients() []string {
	out := make([]string, 0, len(s.saved))
	for _, n := range s.saved {
		out = append(out, n.RecipientUserID)
	}
	return out
}

type fakeRelay struct {
	published []domain.Notification
	err       error
}

func (r *fakeRelay) Publish(_ context.Context, n domain.Notification) error {
	r.published = append(r.published, n)
	return r.err
}

func (r *fakeRelay) Close() error { return nil }

var staff = []domain.User{
	{ID: "admin", Role: domain.RoleAdmin},
	{ID: "pm", Role: domain.RolePM},
	{ID: "dev", Role: domain.RoleDeveloper},
	{ID: "partner-1", Role: domain.RolePartner, PartnerID: "acme"},
	{ID: "partner-2", Role: domain.RolePartner, PartnerID: "globex"},
	{ID: "partner-3", Role: domain.RolePartner, PartnerID: "globex"},
}

func newNotifier(dir notify.Directory, sink notify.Sink, logs *bytes.Buffer) *notify.Notifier {
	return &notify.Notifier{
		Directory: dir,
		Sink:      sink,
		Log:       slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:   metrics.New(),
		Now:       func() time.Time { return time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC) },
	}
}

func counter(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestStaffEventsReachAdminsAndPMs(t *testing.T) {
	for _, typ := range []string{notify.RequestCreated, notify.ModuleDeliveryAccepted, notify.ModuleDeliveryRejected} {
		sink := &fakeSink{}
		var logs bytes.Buffer
		n := newNotifier(fakeDirectory{users: staff}, sink, &logs)
		n.Notify(context.Background(), notify.Event{
			Type:    typ,
			ActorID: "partner-1",
			Title:   "t",
			Message: "m",
			Refs:    domain.EntityRefs{ModuleID: "m1"},
		})
		assert.ElementsMatch(t, []string{"admin", "pm"}, sink.recipients(), typ)
		for _, saved := range sink.saved {
			assert.Equal(t, typ, saved.Type)
			assert.Equal(t, "m1", saved.Refs.ModuleID)
			assert.False(t, saved.IsRead)
			assert.Equal(t, "2026-05-04T08:00:00Z", saved.CreatedAt)
			assert.NotEmpty(t, saved.ID)
		}
	}
}

func TestPartnerEventsReachSinglePartnerUser(t *testing.T) {
	sink := &fakeSink{}
	var logs bytes.Buffer
	n := newNotifier(fakeDirectory{users: staff}, sink, &logs)

	n.Notify(context.Background(), notify.Event{Type: notify.RequestApproved, PartnerID: "acme", Refs: domain.EntityRefs{RequestID: "r1"}})
	assert.Equal(t, []string{"partner-1"}, sink.recipients())

	n.Notify(context.Background(), notify.Event{Type: notify.ModuleRejected, PartnerID: "globex"})
	assert.Len(t, sink.saved, 1, "ambiguous partner must be skipped")
	assert.Contains(t, logs.String(), "partner has several users")

	n.Notify(context.Background(), notify.Event{Type: notify.RequestRejected})
	assert.Len(t, sink.saved, 1)
	assert.Contains(t, logs.String(), "no partner on event")

	n.Notify(context.Background(), notify.Event{Type: notify.RequestRejected, PartnerID: "initech"})
	assert.Len(t, sink.saved, 1)
	assert.Equal(t, 3.0, counter(t, n.Metrics, "sm_notifications_total", map[string]string{"outcome": metrics.OutcomeSkipped}))
}

func TestFanoutFailuresAreSwallowed(t *testing.T) {
	var logs bytes.Buffer
	sink := &fakeSink{fail: map[string]error{"admin": errors.New("disk full")}}
	n := newNotifier(fakeDirectory{users: staff}, sink, &logs)

	n.Notify(context.Background(), notify.Event{Type: notify.RequestCreated})
	assert.Equal(t, []string{"pm"}, sink.recipients())
	assert.Contains(t, logs.String(), "disk full")
	assert.Equal(t, 1.0, counter(t, n.Metrics, "sm_notifications_total", map[string]string{"event": notify.RequestCreated, "outcome": metrics.OutcomeError}))
	assert.Equal(t, 1.0, counter(t, n.Metrics, "sm_notifications_total", map[string]string{"event": notify.RequestCreated, "outcome": metrics.OutcomeOK}))

	logs.Reset()
	broken := newNotifier(fakeDirectory{err: errors.New("directory down")}, &fakeSink{}, &logs)
	broken.Notify(context.Background(), notify.Event{Type: notify.RequestCreated})
	assert.Contains(t, logs.String(), "directory down")

	logs.Reset()
	unknown := newNotifier(fakeDirectory{users: staff}, &fakeSink{}, &logs)
	unknown.Notify(context.Background(), notify.Event{Type: "module-exploded"})
	assert.Contains(t, logs.String(), "unknown event type")

	var nilNotifier *notify.Notifier
	assert.NotPanics(t, func() { nilNotifier.Notify(context.Background(), notify.Event{Type: notify.RequestCreated}) })
}

func TestRelayFailureKeepsPersistedNotification(t *testing.T) {
	var logs bytes.Buffer
	sink := &fakeSink{}
	relay := &fakeRelay{err: errors.New("broker unreachable")}
	n := newNotifier(fakeDirectory{users: staff}, sink, &logs)
	n.Relay = relay

	n.Notify(context.Background(), notify.Event{Type: notify.RequestApproved, PartnerID: "acme"})
	require.Len(t, sink.saved, 1)
	require.Len(t, relay.published, 1)
	assert.Equal(t, sink.saved[0].ID, relay.published[0].ID)
	assert.Contains(t, logs.String(), "notification relay failed")
}

type recordingPublisher struct {
	subject string
	data    []byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return nil
}

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestNATSRelaySubjectAndPayload(t *testing.T) {
	pub := &recordingPublisher{}
	relay := notify.NewNATSRelayWithConn(pub, "sm.notifications")
	note := domain.Notification{ID: "n1", RecipientUserID: "pm", Type: notify.RequestCreated, Title: "New request"}

	require.NoError(t, relay.Publish(context.Background(), note))
	assert.Equal(t, "sm.notifications.pm", pub.subject)
	var decoded domain.Notification
	require.NoError(t, json.Unmarshal(pub.data, &decoded))
	assert.Equal(t, note, decoded)
	assert.NoError(t, relay.Close())

	bare := notify.NewNATSRelayWithConn(pub, "")
	assert.Equal(t, "pm", bare.Subject(note))
}

func TestKafkaRelayKeysByRecipient(t *testing.T) {
	w := &recordingWriter{}
	relay := notify.NewKafkaRelayWithWriter(w)

	require.NoError(t, relay.Publish(context.Background(), domain.Notification{ID: "n1", RecipientUserID: "partner-1", Type: notify.ModuleRejected}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "partner-1", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, notify.ModuleRejected, string(w.msgs[0].Headers[0].Value))
	require.NoError(t, relay.Close())
	assert.True(t, w.closed)
}

func TestNewRelaySelection(t *testing.T) {
	var cfg config.NotifyConfig
	relay, err := notify.NewRelay(cfg)
	require.NoError(t, err)
	assert.Nil(t, relay)

	cfg.Relay = "none"
	relay, err = notify.NewRelay(cfg)
	require.NoError(t, err)
	assert.Nil(t, relay)

	cfg.Relay = "kafka"
	cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Kafka.Topic = "notifications"
	relay, err = notify.NewRelay(cfg)
	require.NoError(t, err)
	assert.IsType(t, &notify.KafkaRelay{}, relay)
	assert.NoError(t, relay.Close())

	cfg.Relay = "carrier-pigeon"
	_, err = notify.NewRelay(cfg)
	assert.Error(t, err)
}
