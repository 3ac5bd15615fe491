package providers

import "strings"

// ProviderRef names one backend from PAGEWISE_LLM_PROVIDERS or
// PAGEWISE_EMBED_PROVIDERS. KeyAlias selects which API key env var it reads.
type ProviderRef struct {
	Raw      string
	Name     string
	KeyAlias string
}

// ParseProviderList reads "name" or "name:alias" entries separated by '|'.
// Raw is rebuilt from the lowercased name so backend ids stay stable.
// Repeated entries keep their first position only.
func ParseProviderList(raw string) []ProviderRef {
	parts := strings.Split(raw, "|")
	out := make([]ProviderRef, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var ref ProviderRef
		if name, alias, ok := strings.Cut(p, ":"); ok {
			ref.Name = strings.ToLower(strings.TrimSpace(name))
			ref.KeyAlias = strings.TrimSpace(alias)
		} else {
			ref.Name = strings.ToLower(p)
		}
		if ref.Name == "" {
			continue
		}
		if ref.KeyAlias != "" {
			ref.Raw = ref.Name + ":" + ref.KeyAlias
		} else {
			ref.Raw = ref.Name
		}
		if _, dup := seen[ref.Raw]; dup {
			continue
		}
		seen[ref.Raw] = struct{}{}
		out = append(out, ref)
	}
	return out
}
