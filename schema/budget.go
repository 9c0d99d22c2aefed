package schema

import "fmt"

// Budget components.
const (
	ComponentSystemPrompt    = "system_prompt"
	ComponentHistory         = "history"
	ComponentResponse        = "response"
	ComponentDocumentContext = "document_context"
	ComponentWebContext      = "web_context"
)

type Usage struct {
	SystemPrompt    int `json:"system_prompt"`
	History         int `json:"history"`
	Response        int `json:"response"`
	DocumentContext int `json:"document_context"`
	WebContext      int `json:"web_context"`
}

func (u Usage) Total() int {
	return u.SystemPrompt + u.History + u.Response + u.DocumentContext + u.WebContext
}

type Remaining struct {
	DocumentContext int `json:"document_context"`
	WebContext      int `json:"web_context"`
}

func (r Remaining) Total() int { return r.DocumentContext + r.WebContext }

// TokenBudget tracks how a model's context window is spent. Consume and
// Release move tokens between Usage and Remaining so that
// UsageTotal()+RemainingTotal() == ModelLimit holds after every call.
type TokenBudget struct {
	Model      string    `json:"model,omitempty"`
	ModelLimit int       `json:"model_limit"`
	Usage      Usage     `json:"usage"`
	Remaining  Remaining `json:"remaining"`
}

func (b *TokenBudget) UsageTotal() int     { return b.Usage.Total() }
func (b *TokenBudget) RemainingTotal() int { return b.Remaining.Total() }

// Consume charges n tokens to a context component and returns false, without
// changing anything, when the bucket does not have n tokens left. Reserved
// components (system prompt, history, response) are fixed at planning time and
// cannot be consumed here.
func (b *TokenBudget) Consume(component string, n int) bool {
	if n < 0 {
		return false
	}
	switch component {
	case ComponentDocumentContext:
		if n > b.Remaining.DocumentContext {
			return false
		}
		b.Remaining.DocumentContext -= n
		b.Usage.DocumentContext += n
	case ComponentWebContext:
		if n > b.Remaining.WebContext {
			return false
		}
		b.Remaining.WebContext -= n
		b.Usage.WebContext += n
	default:
		return false
	}
	return true
}

// Release returns up to n previously consumed tokens to the bucket.
func (b *TokenBudget) Release(component string, n int) {
	if n <= 0 {
		return
	}
	switch component {
	case ComponentDocumentContext:
		if n > b.Usage.DocumentContext {
			n = b.Usage.DocumentContext
		}
		b.Usage.DocumentContext -= n
		b.Remaining.DocumentContext += n
	case ComponentWebContext:
		if n > b.Usage.WebContext {
			n = b.Usage.WebContext
		}
		b.Usage.WebContext -= n
		b.Remaining.WebContext += n
	}
}

// Allowance is the total a context bucket may hold: used plus remaining.
func (b *TokenBudget) Allowance(component string) int {
	switch component {
	case ComponentDocumentContext:
		return b.Usage.DocumentContext + b.Remaining.DocumentContext
	case ComponentWebContext:
		return b.Usage.WebContext + b.Remaining.WebContext
	}
	return 0
}

// Check reports a violated accounting invariant.
func (b *TokenBudget) Check() error {
	if b.Remaining.DocumentContext < 0 || b.Remaining.WebContext < 0 {
		return fmt.Errorf("token budget: negative remaining %+v", b.Remaining)
	}
	if got := b.UsageTotal() + b.RemainingTotal(); got != b.ModelLimit {
		return fmt.Errorf("token budget: usage %d + remaining %d != model limit %d",
			b.UsageTotal(), b.RemainingTotal(), b.ModelLimit)
	}
	return nil
}
