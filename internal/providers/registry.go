// Package providers maps provider aliases to language-model backend accounts.
// Accounts come from <dataDir>/providers.json plus exactly one account
// synthesized from the process configuration ("environment default").
package providers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind selects the transport connector for an account.
type Kind string

const (
	KindOpenAI    Kind = "openai" // any OpenAI-compatible endpoint; the default
	KindOllama    Kind = "ollama"
	KindGoogleAI  Kind = "googleai"
	KindAnthropic Kind = "anthropic"
)

// Account is one configured language-model backend.
type Account struct {
	Alias        string `json:"alias"`
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	Kind         Kind   `json:"kind,omitempty"`
	Priority     int    `json:"priority"`
}

// EnvDefault describes the account derived from process configuration.
type EnvDefault struct {
	BaseURL string
	APIKey  string
	Model   string
}

type accountsFile struct {
	Accounts []struct {
		Alias        string `json:"alias"`
		BaseURL      string `json:"base_url"`
		APIKey       string `json:"api_key"`
		DefaultModel string `json:"default_model"`
		Kind         string `json:"kind"`
		Priority     int    `json:"priority"`
	} `json:"accounts"`
}

// Registry is a read-only catalog of provider accounts.
type Registry struct {
	accounts map[string]Account
}

// Load reads providers.json from dataDir (if present) and appends the
// environment-default account. Malformed entries (missing alias or base URL)
// are dropped without failing the load. The env default gets priority
// max(existing)+1 so it outranks file accounts; if the file already defines
// an account named "default" the env account coexists as "default_env".
func Load(dataDir string, env EnvDefault) *Registry {
	reg := &Registry{accounts: make(map[string]Account)}

	path := filepath.Join(dataDir, "providers.json")
	if raw, err := os.ReadFile(path); err == nil {
		var f accountsFile
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ignoring unparseable providers.json")
		} else {
			for _, acc := range f.Accounts {
				alias := strings.TrimSpace(acc.Alias)
				baseURL := strings.TrimRight(strings.TrimSpace(acc.BaseURL), "/")
				if alias == "" || baseURL == "" {
					log.Warn().Str("alias", acc.Alias).Msg("dropping malformed provider account")
					continue
				}
				kind := Kind(strings.TrimSpace(acc.Kind))
				if kind == "" {
					kind = KindOpenAI
				}
				reg.accounts[alias] = Account{
					Alias:        alias,
					BaseURL:      baseURL,
					APIKey:       acc.APIKey,
					DefaultModel: acc.DefaultModel,
					Kind:         kind,
					Priority:     acc.Priority,
				}
			}
		}
	}

	if env.BaseURL != "" {
		maxPriority := 0
		for _, acc := range reg.accounts {
			if acc.Priority > maxPriority {
				maxPriority = acc.Priority
			}
		}
		alias := "default"
		if _, taken := reg.accounts[alias]; taken {
			alias = "default_env"
		}
		reg.accounts[alias] = Account{
			Alias:        alias,
			BaseURL:      strings.TrimRight(env.BaseURL, "/"),
			APIKey:       env.APIKey,
			DefaultModel: env.Model,
			Kind:         KindOpenAI,
			Priority:     maxPriority + 1,
		}
	}

	log.Info().Int("count", len(reg.accounts)).Msg("provider registry loaded")
	return reg
}

// List returns all accounts sorted by priority descending, alias ascending.
func (r *Registry) List() []Account {
	out := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

// Get resolves an alias to an account. An empty alias selects the
// highest-priority account.
func (r *Registry) Get(alias string) (Account, bool) {
	if alias == "" {
		items := r.List()
		if len(items) == 0 {
			return Account{}, false
		}
		return items[0], true
	}
	acc, ok := r.accounts[alias]
	return acc, ok
}

// NonDefault returns the file-defined accounts (aliases not starting with
// "default"), in List order. Used for round-robin assignment at
// conversation-creation time.
func (r *Registry) NonDefault() []Account {
	var out []Account
	for _, acc := range r.List() {
		if strings.HasPrefix(acc.Alias, "default") {
			continue
		}
		out = append(out, acc)
	}
	return out
}
