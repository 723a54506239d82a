// Package suggest streams AI generated message suggestions.
package suggest

import (
	"context"
	"iter"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/apperr"
	"github.com/sirupsen/logrus"
)

// Prompt asks for three open questions separated by "||".
const Prompt = "Create a list of three open-ended and engaging questions formatted as a single string. " +
	"Each question should be separated by '||'. These questions are for an anonymous social messaging platform, " +
	"like Qooh.me, and should be suitable for a diverse audience. Avoid personal or sensitive topics, focusing " +
	"instead on universal themes that encourage friendly interaction. For example, your output should be " +
	"structured like this: 'What's a hobby you've recently started?||If you could have dinner with any " +
	"historical figure, who would it be?||What's a simple thing that makes you happy?'. Ensure the questions " +
	"are intriguing, foster curiosity, and contribute to a positive and welcoming conversational environment."

// Generator produces text for a prompt as a sequence of chunks. A non-nil
// error ends the sequence.
type Generator interface {
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Proxy relays suggestion chunks from a Generator.
type Proxy struct {
	gen     Generator
	timeout time.Duration
	log     *logrus.Entry
}

// NewProxy returns a Proxy bounding each generation by timeout.
func NewProxy(gen Generator, timeout time.Duration, log *logrus.Entry) *Proxy {
	return &Proxy{gen: gen, timeout: timeout, log: log}
}

// StreamSuggestions yields chunks as they arrive. Upstream errors are
// yielded once as apperr.ErrUpstream and end the sequence. Stopping the
// iteration early cancels the upstream call.
func (p *Proxy) StreamSuggestions(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		chunks := 0
		for chunk, err := range p.gen.Stream(ctx, Prompt) {
			if err != nil {
				p.log.WithError(err).WithField("chunks", chunks).Error("suggestion stream failed")
				yield("", apperr.Wrap(apperr.ErrUpstream, "error generating suggestions", err))
				return
			}
			if chunk == "" {
				continue
			}
			chunks++
			if !yield(chunk, nil) {
				p.log.WithField("chunks", chunks).Debug("suggestion stream abandoned by client")
				return
			}
		}
		p.log.WithField("chunks", chunks).Debug("suggestion stream complete")
	}
}
