package modelconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pocketchat/internal/domain"
)

// Parameter names below "<prefix>/model".
const (
	paramName               = "name"
	paramTemplateName       = "chat_template"
	paramSystemPrompt       = "system_prompt"
	paramTemplate           = "template"
	paramCompletionSettings = "completion_settings"
)

type PathGetter interface {
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

// SSMSource loads the active model profile from SSM on first use and keeps
// it for the lifetime of the process.
type SSMSource struct {
	params PathGetter
	path   string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	profile     *domain.ModelProfile
}

func NewSSMSource(params PathGetter, paramPrefix string) (*SSMSource, error) {
	if params == nil {
		return nil, errors.New("modelconfig: path getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("modelconfig: parameter prefix must not be empty")
	}
	return &SSMSource{params: params, path: paramPrefix + "/model"}, nil
}

// Load returns the cached profile, fetching it on the first call.
func (s *SSMSource) Load(ctx context.Context) (*domain.ModelProfile, error) {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		p := s.profile
		s.cacheMu.RUnlock()
		return p, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return s.profile, nil
	}

	p, err := s.loadSSMParams(ctx)
	if err != nil {
		return nil, err
	}
	s.profile = p
	s.cacheLoaded = true
	return p, nil
}

func (s *SSMSource) loadSSMParams(ctx context.Context) (*domain.ModelProfile, error) {
	values, err := s.params.GetParametersByPath(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("modelconfig: load model parameters: %w", err)
	}
	p := &domain.ModelProfile{
		Name: values[paramName],
		ChatTemplate: domain.ChatTemplate{
			Name:         values[paramTemplateName],
			SystemPrompt: values[paramSystemPrompt],
			Template:     values[paramTemplate],
		},
	}
	if raw := strings.TrimSpace(values[paramCompletionSettings]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.CompletionSettings); err != nil {
			return nil, fmt.Errorf("modelconfig: unmarshal completion settings: %w", err)
		}
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
