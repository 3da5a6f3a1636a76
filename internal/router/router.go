// Package router maps claimed Claude model names onto a configured
// (provider, concrete model) pair through the big/middle/small tiers.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cc-proxy/cc-proxy/internal/config"
	"github.com/cc-proxy/cc-proxy/internal/history"
)

const (
	TierBig    = "big"
	TierMiddle = "middle"
	TierSmall  = "small"
)

var (
	// ErrUnknownModel means a selection references a provider or model not
	// present in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoProviders means no configured provider advertises the tier.
	ErrNoProviders = errors.New("no providers for tier")
)

// Route is a resolved selection.
type Route struct {
	Provider      *config.Provider
	ConcreteModel string
}

// TierFor picks the tier by substring match on the claimed model name.
// Anything that is not haiku/sonnet/opus goes to the big tier.
func TierFor(claimedModel string) string {
	lower := strings.ToLower(claimedModel)
	switch {
	case strings.Contains(lower, "haiku"):
		return TierSmall
	case strings.Contains(lower, "sonnet"):
		return TierMiddle
	case strings.Contains(lower, "opus"):
		return TierBig
	default:
		return TierBig
	}
}

// Router holds the current selection per tier. Selections are strings of
// the form "Provider:model" or a bare model name; bare names resolve to the
// first provider advertising the model for that tier.
type Router struct {
	cfg    *config.Config
	store  *history.Store
	logger *slog.Logger

	mu         sync.RWMutex
	selections map[string]string // tier -> selection
}

// New builds a router from configuration defaults, then overlays any
// selections persisted in the history store's config table.
func New(cfg *config.Config, store *history.Store, logger *slog.Logger) (*Router, error) {
	r := &Router{
		cfg:    cfg,
		store:  store,
		logger: logger,
		selections: map[string]string{
			TierBig:    cfg.Server.BigModel,
			TierMiddle: cfg.Server.MiddleModel,
			TierSmall:  cfg.Server.SmallModel,
		},
	}
	r.fillTierDefaults()

	if store != nil {
		saved, err := store.LoadSelections()
		if err != nil {
			return nil, fmt.Errorf("load persisted selections: %w", err)
		}
		for key, tier := range map[string]string{
			"BIG_MODEL":    TierBig,
			"MIDDLE_MODEL": TierMiddle,
			"SMALL_MODEL":  TierSmall,
		} {
			if v, ok := saved[key]; ok && v != "" {
				if _, err := r.resolveSelection(tier, v); err == nil {
					r.selections[tier] = v
				} else {
					logger.Warn("Ignoring persisted selection no longer in catalog",
						"tier", tier, "selection", v)
				}
			}
		}
	}

	for tier, sel := range r.selections {
		logger.Info("Tier selection", "tier", tier, "selection", sel)
	}
	return r, nil
}

// fillTierDefaults picks the first advertised model for tiers the config
// left unset.
func (r *Router) fillTierDefaults() {
	for _, tier := range []string{TierBig, TierMiddle, TierSmall} {
		if r.selections[tier] != "" {
			continue
		}
		for i := range r.cfg.Providers {
			p := &r.cfg.Providers[i]
			if models := p.ModelsForTier(tier); len(models) > 0 {
				r.selections[tier] = p.Name + ":" + models[0]
				break
			}
		}
	}
}

// Resolve maps a claimed Claude model to its route.
func (r *Router) Resolve(claimedModel string) (Route, error) {
	tier := TierFor(claimedModel)

	r.mu.RLock()
	selection := r.selections[tier]
	r.mu.RUnlock()

	if selection == "" {
		return Route{}, fmt.Errorf("%w: %s", ErrNoProviders, tier)
	}
	return r.resolveSelection(tier, selection)
}

func (r *Router) resolveSelection(tier, selection string) (Route, error) {
	if name, model, ok := strings.Cut(selection, ":"); ok {
		provider := r.cfg.FindProvider(name)
		if provider == nil {
			return Route{}, fmt.Errorf("%w: provider %q not configured", ErrUnknownModel, name)
		}
		for _, m := range provider.ModelsForTier(tier) {
			if m == model {
				return Route{Provider: provider, ConcreteModel: model}, nil
			}
		}
		return Route{}, fmt.Errorf("%w: provider %q does not list %q for tier %s",
			ErrUnknownModel, name, model, tier)
	}

	// Bare model name: first provider listing it wins.
	for i := range r.cfg.Providers {
		p := &r.cfg.Providers[i]
		for _, m := range p.ModelsForTier(tier) {
			if m == selection {
				return Route{Provider: p, ConcreteModel: selection}, nil
			}
		}
	}
	return Route{}, fmt.Errorf("%w: no provider lists %q for tier %s", ErrUnknownModel, selection, tier)
}

// Selections snapshots the current tier selections.
func (r *Router) Selections() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.selections))
	for k, v := range r.selections {
		out[k] = v
	}
	return out
}

// Update validates and applies new selections for any subset of tiers, then
// persists them. Setting a tier to its current value is a no-op.
func (r *Router) Update(updates map[string]string) ([]string, error) {
	var changes []string

	r.mu.Lock()
	for tier, selection := range updates {
		if selection == "" {
			continue
		}
		if _, err := r.resolveSelection(tier, selection); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if old := r.selections[tier]; old != selection {
			r.selections[tier] = selection
			changes = append(changes, fmt.Sprintf("%s: %s -> %s", strings.ToUpper(tier)+"_MODEL", old, selection))
		}
	}
	persisted := map[string]string{
		"BIG_MODEL":    r.selections[TierBig],
		"MIDDLE_MODEL": r.selections[TierMiddle],
		"SMALL_MODEL":  r.selections[TierSmall],
	}
	r.mu.Unlock()

	if len(changes) > 0 && r.store != nil {
		if err := r.store.SaveSelections(persisted); err != nil {
			return nil, fmt.Errorf("persist selections: %w", err)
		}
	}

	for _, c := range changes {
		r.logger.Info("Model configuration updated", "change", c)
	}
	return changes, nil
}

// Catalog lists every provider:model pair per tier, for the config API.
func (r *Router) Catalog() map[string][]string {
	out := map[string][]string{}
	for _, tier := range []string{TierBig, TierMiddle, TierSmall} {
		for i := range r.cfg.Providers {
			p := &r.cfg.Providers[i]
			for _, m := range p.ModelsForTier(tier) {
				out[tier] = append(out[tier], p.Name+":"+m)
			}
		}
	}
	return out
}
