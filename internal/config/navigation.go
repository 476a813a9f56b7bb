package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/transit_layer/internal/guard"
	"github.com/R3E-Network/transit_layer/internal/logging"
)

// NavItem is one sidebar entry.
type NavItem struct {
	Label string `yaml:"label" json:"label"`
	Path  string `yaml:"path" json:"path"`
	Icon  string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// Step is one booking step indicator.
type Step struct {
	Key   string `yaml:"key" json:"key"`
	Label string `yaml:"label" json:"label"`
}

// Navigation holds the per-role sidebars and the booking steps.
type Navigation struct {
	Roles        map[string][]NavItem `yaml:"roles"`
	Default      []NavItem            `yaml:"default"`
	BookingSteps []Step               `yaml:"booking_steps"`
}

// LoadNavigationFromPath loads the navigation configuration from path.
func LoadNavigationFromPath(path string) (*Navigation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read navigation config: %w", err)
	}

	var nav Navigation
	if err := yaml.Unmarshal(data, &nav); err != nil {
		return nil, fmt.Errorf("failed to parse navigation config: %w", err)
	}
	if err := nav.Validate(); err != nil {
		return nil, err
	}
	return &nav, nil
}

// LoadNavigationOrDefault falls back to DefaultNavigation when path cannot
// be loaded.
func LoadNavigationOrDefault(path string, log *logging.Logger) *Navigation {
	nav, err := LoadNavigationFromPath(path)
	if err != nil {
		if log != nil {
			log.WithError(err).WithField("path", path).Warn("using default navigation")
		}
		return DefaultNavigation()
	}
	return nav
}

// Validate checks that every item has a path.
func (n *Navigation) Validate() error {
	check := func(owner string, items []NavItem) error {
		for i, item := range items {
			if item.Path == "" {
				return fmt.Errorf("navigation %s item %d (%q): path is required", owner, i, item.Label)
			}
		}
		return nil
	}

	for role, items := range n.Roles {
		if err := check("role "+role, items); err != nil {
			return err
		}
	}
	if err := check("default", n.Default); err != nil {
		return err
	}
	for i, s := range n.BookingSteps {
		if s.Key == "" {
			return fmt.Errorf("navigation booking step %d: key is required", i)
		}
	}
	return nil
}

// For returns the sidebar of role.
func (n *Navigation) For(role string) []NavItem {
	if items, ok := n.Roles[role]; ok {
		return items
	}
	return n.Default
}

// DefaultNavigation returns the built-in navigation.
func DefaultNavigation() *Navigation {
	commuter := []NavItem{
		{Label: "Routes", Path: guard.DefaultHome, Icon: "map"},
		{Label: "Profile", Path: "/me/profile", Icon: "user"},
	}
	return &Navigation{
		Roles: map[string][]NavItem{
			guard.RoleOperator: {
				{Label: "Dashboard", Path: guard.OperatorHome, Icon: "gauge"},
				{Label: "Routes", Path: guard.DefaultHome, Icon: "map"},
				{Label: "Profile", Path: "/me/profile", Icon: "user"},
			},
			guard.RoleCommuter: commuter,
		},
		Default: commuter,
		BookingSteps: []Step{
			{Key: "route", Label: "Choose route"},
			{Key: "schedule", Label: "Pick departure"},
			{Key: "confirm", Label: "Confirm"},
		},
	}
}
