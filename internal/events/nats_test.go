package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/kirjuri/pkg/canonical"
	"github.com/yairfalse/kirjuri/pkg/types"
)

type publishedMsg struct {
	subject string
	data    []byte
	opts    int
}

type fakeJetStream struct {
	published []publishedMsg
	err       error
}

func (f *fakeJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, publishedMsg{subject: subj, data: data, opts: len(opts)})
	return &nats.PubAck{Stream: "KIRJURI", Sequence: uint64(len(f.published))}, nil
}

func testEvent() *types.DriftEvent {
	at := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	return &types.DriftEvent{
		EventID:              "ev-1",
		TenantID:             "acme",
		SnapshotKind:         types.KindDaily,
		DetectedAt:           at,
		FirstDetectedAt:      at,
		ObjectType:           "project",
		ObjectID:             "1",
		Field:                "name",
		ChangeClassification: types.AttributeChanged,
		BeforeState:          canonical.String("X"),
		AfterState:           canonical.String("Y"),
		RepeatCount:          1,
		Actor:                types.UnknownActor,
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	js := &fakeJetStream{}
	p := newPublisher(js, "", nil)

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.Len(t, js.published, 1)
	assert.Equal(t, "kirjuri.drift.acme.daily", js.published[0].subject)
	assert.Equal(t, 2, js.published[0].opts, "context and message id")

	var decoded types.DriftEvent
	require.NoError(t, json.Unmarshal(js.published[0].data, &decoded))
	assert.Equal(t, "ev-1", decoded.EventID)
	assert.True(t, decoded.AfterState.Equal(canonical.String("Y")))
}

func TestNATSPublisher_Errors(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	p := newPublisher(js, "custom.prefix.", nil)

	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom.prefix.acme.daily")

	var nilPublisher *NATSPublisher
	assert.Error(t, nilPublisher.Publish(context.Background(), testEvent()))
	assert.NotPanics(t, nilPublisher.Close)
}

func TestSubject_EscapesTokens(t *testing.T) {
	p := newPublisher(&fakeJetStream{}, DefaultSubjectPrefix, nil)
	assert.Equal(t, "kirjuri.drift.acme_eu.weekly", p.Subject("acme.eu", types.KindWeekly))
	assert.Equal(t, "kirjuri.drift.a_b_c.daily", p.Subject("a*b>c", types.KindDaily))
}
