package domain

// ChatTemplate describes how a model expects its conversation to be laid
// out. Rendering is done by the engine; SystemPrompt is the optional
// preamble prepended to every prompt.
type ChatTemplate struct {
	Name         string `json:"name" toml:"name"`
	SystemPrompt string `json:"systemPrompt" toml:"system_prompt"`
	Template     string `json:"template,omitempty" toml:"template"`
}

// CompletionSettings are the sampling parameters configured for a model.
// Zero values are omitted so the engine keeps its own defaults.
type CompletionSettings struct {
	NPredict      int      `json:"n_predict,omitempty" toml:"n_predict"`
	Temperature   float64  `json:"temperature,omitempty" toml:"temperature"`
	TopK          int      `json:"top_k,omitempty" toml:"top_k"`
	TopP          float64  `json:"top_p,omitempty" toml:"top_p"`
	MinP          float64  `json:"min_p,omitempty" toml:"min_p"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty" toml:"repeat_penalty"`
	Seed          int      `json:"seed,omitempty" toml:"seed"`
	Stop          []string `json:"stop,omitempty" toml:"stop"`
}

// ModelProfile is the active model's configuration as seen by the session.
type ModelProfile struct {
	Name               string             `json:"name" toml:"name"`
	ChatTemplate       ChatTemplate       `json:"chatTemplate" toml:"chat_template"`
	CompletionSettings CompletionSettings `json:"completionSettings" toml:"completion_settings"`
}

// CompletionParams is one streaming completion request.
type CompletionParams struct {
	CompletionSettings
	Prompt string `json:"prompt"`
}

// TokenData is one streamed fragment.
type TokenData struct {
	Token string
}

// CompletionResult is what the engine reports once a stream ends.
type CompletionResult struct {
	Text         string
	StoppedAtEOS bool
	Timings      Timings
}
