package ai

// Resolution is the concrete model choice for one action.
type Resolution struct {
	Action          AgentActionKey
	Primary         ModelID
	Fallback        ModelID
	ReasoningEffort ReasoningEffort
	MaxTokens       int
	Temperature     float64
	// Disabled means the caller must skip the action rather than call a model.
	Disabled bool
	// Source names which layer supplied the record: override, user, static or default.
	Source string
}

// ModelRouter resolves logical actions to concrete models. It performs no I/O.
type ModelRouter struct {
	static map[AgentActionKey]ModelConfig
}

// NewModelRouter creates a router over the static table. A nil table uses AgentConfig.
func NewModelRouter(static map[AgentActionKey]ModelConfig) *ModelRouter {
	if static == nil {
		static = AgentConfig
	}
	return &ModelRouter{static: static}
}

// Resolve picks the whole configuration record for action from the first
// layer that has one: explicit override, the session's user overrides, the
// static table, then the hard-coded default. Fields are never mixed across
// layers.
func (r *ModelRouter) Resolve(action AgentActionKey, ictx *InferenceContext, override *ModelConfig) Resolution {
	cfg, source := r.lookup(action, ictx, override)

	primary := cfg.Name
	if primary == "" {
		primary = DefaultModel
	}
	fallback := cfg.FallbackModel
	if fallback == "" {
		fallback = DefaultFallbackModel
	}

	return Resolution{
		Action:          action,
		Primary:         ParseModelID(primary),
		Fallback:        ParseModelID(fallback),
		ReasoningEffort: cfg.ReasoningEffort,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		Disabled:        primary == ModelDisabled,
		Source:          source,
	}
}

func (r *ModelRouter) lookup(action AgentActionKey, ictx *InferenceContext, override *ModelConfig) (ModelConfig, string) {
	if override != nil {
		return *override, "override"
	}
	if ictx != nil {
		if cfg, ok := ictx.UserModelConfigs[action]; ok {
			return cfg, "user"
		}
	}
	if cfg, ok := r.static[action]; ok {
		return cfg, "static"
	}
	return ModelConfig{Name: DefaultModel}, "default"
}

// IsDisabled is a convenience for callers that gate optional actions.
func (r *ModelRouter) IsDisabled(action AgentActionKey, ictx *InferenceContext) bool {
	return r.Resolve(action, ictx, nil).Disabled
}
