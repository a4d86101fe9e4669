package aitask

import (
	"fmt"
	"sync"

	"github.com/projecteru2/lumen/config"
)

// Pool holds every configured model client grouped by logical name and hands
// them out round-robin, so several providers serving the same model share
// the load.
type Pool struct {
	mu      sync.Mutex
	clients map[string][]ModelClient
	next    map[string]int
}

// NewPool builds clients for every (provider, model) pair in the config.
func NewPool(cfg config.AIConfig) *Pool {
	p := &Pool{
		clients: map[string][]ModelClient{},
		next:    map[string]int{},
	}
	for _, provider := range cfg.Providers {
		for _, model := range provider.Models {
			p.Add(newOpenAIClient(provider, model))
		}
	}
	return p
}

// Add registers one client. Exposed for tests to inject stubs.
func (p *Pool) Add(c ModelClient) {
	p.mu.Lock()
	p.clients[c.Name()] = append(p.clients[c.Name()], c)
	p.mu.Unlock()
}

// Pick returns the next client for a model that supports the capability,
// rotating through eligible providers.
func (p *Pool) Pick(modelName, capability string) (ModelClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := p.clients[modelName]
	if len(all) == 0 {
		return nil, fmt.Errorf("model %s is not configured", modelName)
	}
	eligible := make([]ModelClient, 0, len(all))
	for _, c := range all {
		if c.Supports(capability) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("model %s has no provider with capability %s", modelName, capability)
	}

	idx := p.next[modelName] % len(eligible)
	p.next[modelName]++
	return eligible[idx], nil
}

// Capable reports whether any provider of the model has the capability.
func (p *Pool) Capable(modelName, capability string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients[modelName] {
		if c.Supports(capability) {
			return true
		}
	}
	return false
}

// Has reports whether any provider serves the model.
func (p *Pool) Has(modelName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients[modelName]) > 0
}

// Models lists the configured logical model names.
func (p *Pool) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	return names
}
