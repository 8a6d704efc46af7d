package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pocketchat/internal/domain"
)

func TestComposer_SubmitTrimsAndClears(t *testing.T) {
	c := NewComposer(SendAlways, false)
	c.SetText("  Hello  ")

	text, ok := c.Submit()
	require.True(t, ok)
	require.Equal(t, "Hello", text)
	require.Equal(t, "", c.Text())
}

func TestComposer_BlankDraftIsNotSubmitted(t *testing.T) {
	c := NewComposer(SendAlways, false)
	c.SetText("   ")
	_, ok := c.Submit()
	require.False(t, ok)
	require.Equal(t, "   ", c.Text())
}

func TestComposer_SendVisibility(t *testing.T) {
	editing := NewComposer(SendWhileEditing, false)
	require.False(t, editing.Affordances(State{}).Send)
	editing.SetText("Hello")
	require.True(t, editing.Affordances(State{}).Send)

	always := NewComposer(SendAlways, false)
	require.True(t, always.Affordances(State{}).Send)

	require.Equal(t, SendWhileEditing, NewComposer("", false).mode)
}

func TestComposer_StopAndContinue(t *testing.T) {
	cases := []struct {
		name    string
		state   State
		handler bool
		stop    bool
		cont    bool
	}{
		{name: "idle unknown", state: State{StopState: domain.StopUnknown}, handler: true},
		{name: "cut short", state: State{StopState: domain.StopCutShort}, handler: true, cont: true},
		{name: "cut short without handler", state: State{StopState: domain.StopCutShort}},
		{name: "eos", state: State{StopState: domain.StopAtEOS}, handler: true},
		{name: "inferencing", state: State{Inferencing: true, StopState: domain.StopUnknown}, handler: true, stop: true},
		{name: "inferencing after cut short", state: State{Inferencing: true, StopState: domain.StopCutShort}, handler: true, stop: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewComposer(SendAlways, tc.handler).Affordances(tc.state)
			require.Equal(t, tc.stop, a.Stop)
			require.Equal(t, tc.cont, a.Continue)
		})
	}
}
