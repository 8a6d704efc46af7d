package modelconfig

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"pocketchat/internal/domain"
)

// Catalog holds the active model profile. The zero value has no active model.
type Catalog struct {
	mu     sync.RWMutex
	active *domain.ModelProfile
}

func NewCatalog(active *domain.ModelProfile) *Catalog {
	return &Catalog{active: active}
}

// ActiveModel returns the active profile, or nil when none is loaded.
func (c *Catalog) ActiveModel() *domain.ModelProfile {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Catalog) SetActive(p *domain.ModelProfile) {
	c.mu.Lock()
	c.active = p
	c.mu.Unlock()
}

// LoadFile reads a model profile from a TOML file.
func LoadFile(path string) (*domain.ModelProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("modelconfig: path is required")
	}
	var p domain.ModelProfile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("modelconfig: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("modelconfig: unknown keys in %s: %v", path, undecoded)
	}
	if err := validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validate(p *domain.ModelProfile) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("modelconfig: model name is required")
	}
	s := p.CompletionSettings
	if s.NPredict < -1 {
		return fmt.Errorf("modelconfig: n_predict must be -1 or greater, got %d", s.NPredict)
	}
	if s.Temperature < 0 {
		return fmt.Errorf("modelconfig: temperature must not be negative, got %v", s.Temperature)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("modelconfig: top_p must be within [0, 1], got %v", s.TopP)
	}
	if s.MinP < 0 || s.MinP > 1 {
		return fmt.Errorf("modelconfig: min_p must be within [0, 1], got %v", s.MinP)
	}
	return nil
}
