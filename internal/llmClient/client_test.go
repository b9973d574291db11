package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMessagesFoldsInputIntoLastUserTurn(t *testing.T) {
	req := Request{
		Messages: []Message{
			{Role: RoleUser, Content: "first"},
			{Role: RoleAssistant, Content: "reply"},
			{Role: RoleUser, Content: "second\n"},
		},
		Input: map[string]any{"k": "v"},
	}
	out := RenderMessages(req)
	require.Len(t, out, 3)
	assert.True(t, strings.HasPrefix(out[2].Content, "second\n\n[INPUT JSON]\n"))
	assert.Contains(t, out[2].Content, `"k": "v"`)
	assert.Equal(t, "second\n", req.Messages[2].Content, "caller slice must not be mutated")
}

func TestRenderMessagesAppendsUserTurnAfterAssistant(t *testing.T) {
	out := RenderMessages(Request{
		Messages: []Message{{Role: RoleAssistant, Content: "hello"}},
		Input:    []int{1},
	})
	require.Len(t, out, 2)
	assert.Equal(t, RoleUser, out[1].Role)
}

func TestRenderMessagesEmpty(t *testing.T) {
	out := RenderMessages(Request{})
	require.Len(t, out, 1)
	assert.Equal(t, RoleUser, out[0].Role)
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens("   "))
	assert.Equal(t, 3, CountTokens("write a haiku"))
	assert.Equal(t, 2, CountTokens(" two\n\twords "))
}

func TestErrorClassification(t *testing.T) {
	perm := NewPermanentError(errors.New("bad request"))
	assert.True(t, IsPermanent(perm))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", perm)))
	assert.True(t, IsPermanent(ErrUnsafeOutput))
	assert.False(t, IsTransient(ErrUnsafeOutput))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(fmt.Errorf("%w: slow down", ErrRateLimited)))
	assert.False(t, IsPermanent(nil))
}

type stubMessages struct {
	got  sdk.MessageNewParams
	resp *sdk.Message
	err  error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.got = body
	return s.resp, s.err
}

func TestAnthropicGenerate(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{
		{Type: "text", Text: `{"ok":`},
		{Type: "text", Text: `true}`},
	}}}
	cli, err := NewAnthropicClient(stub, "claude-test", 0)
	require.NoError(t, err)

	out, err := cli.Generate(context.Background(), Request{
		System:   "be terse",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Sampling: Sampling{Temperature: 0.2, MaxTokens: 128, JSON: true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, int64(128), stub.got.MaxTokens)
	require.Len(t, stub.got.System, 1)
	assert.Contains(t, stub.got.System[0].Text, "JSON")
	assert.Len(t, stub.got.Messages, 1)
	assert.Equal(t, "Anthropic:claude-test", cli.Name())
}

func TestAnthropicEmptyResponse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{}}
	cli, err := NewAnthropicClient(stub, "claude-test", 256)
	require.NoError(t, err)
	_, err = cli.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewAnthropicClientValidates(t *testing.T) {
	_, err := NewAnthropicClient(nil, "m", 0)
	assert.Error(t, err)
	_, err = NewAnthropicClient(&stubMessages{}, " ", 0)
	assert.Error(t, err)
	_, err = NewAnthropicFromAPIKey("", "m")
	assert.Error(t, err)
}
