package suggest

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/apperr"
	"github.com/PaulBabatuyi/anonymous-messages/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	chunks []string
	err    error // yielded after chunks
	prompt string
	ctx    context.Context
}

func (f *fakeGenerator) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	f.prompt, f.ctx = prompt, ctx
	return func(yield func(string, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func TestStreamSuggestionsRelaysChunks(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"What's your hobby?||", "", "Who inspires you?||Favourite food?"}}
	p := NewProxy(gen, time.Second, logging.Discard())

	chunks, err := collect(p.StreamSuggestions(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, []string{"What's your hobby?||", "Who inspires you?||Favourite food?"}, chunks)
	assert.Len(t, strings.Split(strings.Join(chunks, ""), "||"), 3)
	assert.Equal(t, Prompt, gen.prompt)
}

func TestStreamSuggestionsUpstreamError(t *testing.T) {
	boom := errors.New("quota exceeded")
	gen := &fakeGenerator{chunks: []string{"partial"}, err: boom}
	p := NewProxy(gen, time.Second, logging.Discard())

	chunks, err := collect(p.StreamSuggestions(context.Background()))
	assert.Equal(t, []string{"partial"}, chunks)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.ErrorIs(t, err, boom)
}

func TestStreamSuggestionsStopCancelsUpstream(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"a", "b", "c"}}
	p := NewProxy(gen, time.Minute, logging.Discard())

	for range p.StreamSuggestions(context.Background()) {
		break
	}
	require.NotNil(t, gen.ctx)
	assert.ErrorIs(t, gen.ctx.Err(), context.Canceled)
}

func TestStreamSuggestionsAppliesTimeout(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"a"}}
	p := NewProxy(gen, 5*time.Second, logging.Discard())

	for range p.StreamSuggestions(context.Background()) {
		deadline, ok := gen.ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, time.Second)
	}
}
