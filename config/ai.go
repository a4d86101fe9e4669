package config

import "time"

// AIConfig wires the task queue, the model pool and the processors.
type AIConfig struct {
	// Providers are the OpenAI-compatible endpoints the dispatcher balances
	// across. Several providers may serve the same model name; requests for
	// that name rotate through them.
	Providers []ProviderConfig `json:"providers"`

	// DefaultTagModel is the embedding model whose vectors drive tag
	// association and smart albums.
	DefaultTagModel string `json:"default_tag_model"`

	// DispatchInterval is the idle poll cadence of a queue worker between
	// enqueue signals.
	DispatchInterval Duration `json:"dispatch_interval"`
	// DiscoveryInterval is the slower sweep that picks up pending items
	// written by other processes.
	DiscoveryInterval Duration `json:"discovery_interval"`

	// ClusteringEndpoint is the HTTP service that groups embedding vectors
	// for smart albums.
	ClusteringEndpoint string `json:"clustering_endpoint"`

	// AlbumNamePrompt overrides the built-in naming prompt.
	AlbumNamePrompt string `json:"album_name_prompt"`
}

// ProviderConfig is one OpenAI-compatible endpoint and its models.
type ProviderConfig struct {
	Name    string        `json:"name"`
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Models  []ModelConfig `json:"models"`
}

// Model capabilities.
const (
	CapEmbed     = "embed"
	CapChat      = "chat"
	CapAesthetic = "aesthetic"
)

// ModelConfig is one model behind one provider.
type ModelConfig struct {
	// Name is the logical name queues key on; several providers may expose
	// the same Name.
	Name string `json:"name"`
	// ModelID is the provider-side identifier sent on the wire. Empty means
	// Name.
	ModelID string `json:"model_id"`
	// Dimension is the embedding vector width; zero for chat-only models.
	Dimension int `json:"dimension"`
	// Capabilities lists what this model can do: embed, chat, aesthetic.
	Capabilities []string `json:"capabilities"`
}

// Has reports whether the model advertises a capability.
func (m ModelConfig) Has(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// DefaultAIConfig returns the dispatch cadence defaults; providers must come
// from the config file or settings.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		DispatchInterval:  Duration(5 * time.Second),
		DiscoveryInterval: Duration(time.Minute),
	}
}
