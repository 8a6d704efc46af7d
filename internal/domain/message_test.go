package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopState_Text(t *testing.T) {
	for _, s := range []StopState{StopUnknown, StopAtEOS, StopCutShort} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got StopState
		require.NoError(t, got.UnmarshalText(text))
		require.Equal(t, s, got)
	}
	require.Equal(t, StopUnknown, ParseStopState("garbage"))

	raw, err := json.Marshal(Metadata{StoppedAtEOS: StopCutShort})
	require.NoError(t, err)
	require.JSONEq(t, `{"stoppedAtEndOfSequence":"cut_short"}`, string(raw))
}

func TestMetadata_MergeKeepsUnsetFields(t *testing.T) {
	base := Metadata{
		ConversationID: "c1",
		ContextID:      "e1",
		Copyable:       BoolPtr(false),
	}

	got := base.Merge(Metadata{Copyable: BoolPtr(true), StoppedAtEOS: StopAtEOS, Timings: &Timings{PredictedN: 7}})
	require.Equal(t, "c1", got.ConversationID)
	require.Equal(t, "e1", got.ContextID)
	require.True(t, *got.Copyable)
	require.Equal(t, StopAtEOS, got.StoppedAtEOS)
	require.Equal(t, 7, got.Timings.PredictedN)

	require.False(t, *base.Copyable, "merge must not alias the patch")
	require.Equal(t, got, got.Merge(Metadata{}))
}

func TestMessagePatch_Apply(t *testing.T) {
	m := Message{ID: "m1", Text: "Hel", Metadata: Metadata{ConversationID: "c1"}}
	m = MessagePatch{AppendText: "lo"}.Apply(m)
	m = MessagePatch{Metadata: Metadata{StoppedAtEOS: StopCutShort}}.Apply(m)

	require.Equal(t, "Hello", m.Text)
	require.Equal(t, "c1", m.Metadata.ConversationID)
	require.Equal(t, StopCutShort, m.Metadata.StoppedAtEOS)
}

func TestMessage_KeyAndNotice(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	m := Message{ID: "m1", CreatedAt: at, Kind: KindText}

	require.Equal(t, MessageKey{CreatedAt: at, ID: "m1"}, m.Key())
	require.Equal(t, "1700000000123/m1", m.Key().String())
	require.True(t, MessageKey{}.IsZero())
	require.False(t, m.Key().IsZero())

	require.False(t, m.IsNotice())
	require.True(t, Message{Kind: KindSystem}.IsNotice())
	require.True(t, Message{Kind: KindText, Metadata: Metadata{System: true}}.IsNotice())
}
