package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternPack holds the named pattern sets used by the security gate.
// Each entry is a regular expression. Packs can be loaded from a YAML file
// to override the built-in defaults.
type PatternPack struct {
	Content map[string][]string `yaml:"content"` // spam, profanity, url, phone, email
	Threat  map[string][]string `yaml:"threat"`  // phishing, social_engineering, credential_theft, destructive
}

// DefaultPatternPack returns the built-in content-filter and threat pattern sets.
func DefaultPatternPack() *PatternPack {
	return &PatternPack{
		Content: map[string][]string{
			"spam": {
				`(?i)\b(buy now|limited offer|act now|click here|free money)\b`,
				`(?i)\b(earn \$\d+|work from home|guaranteed income)\b`,
			},
			"profanity": {
				`(?i)\b(fuck|shit|bitch|asshole)\b`,
			},
			"url": {
				`https?://[^\s]+`,
			},
			"phone": {
				`\+?\d[\d\s\-()]{8,}\d`,
			},
			"email": {
				`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
			},
		},
		Threat: map[string][]string{
			"phishing": {
				`(?i)\b(bit\.ly|tinyurl\.com|goo\.gl)/`,
				`(?i)verify your (account|identity|password)`,
			},
			"social_engineering": {
				`(?i)\b(urgent(ly)? (action|transfer)|you (have )?won|claim your prize)\b`,
				`(?i)\b(send me your|share your) (password|code|pin)\b`,
			},
			"credential_theft": {
				`(?i)\b(login|password|credential)s? (reset|expired|compromised)\b`,
				`(?i)enter your (password|credit card|ssn)`,
			},
			"destructive": {
				`(?i)\brm\s+-rf\s+/`,
				`(?i)\b(drop\s+table|format\s+c:|mkfs)\b`,
				`(?i):\(\)\{\s*:\|:&\s*\};:`,
			},
		},
	}
}

// LoadPatternPack reads a pattern pack from a YAML file. Sets present in the
// file replace the corresponding built-in set; absent sets keep the defaults.
func LoadPatternPack(path string) (*PatternPack, error) {
	pack := DefaultPatternPack()
	if path == "" {
		return pack, nil
	}

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read pattern pack: %w", err)
	}

	var override PatternPack
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse pattern pack %s: %w", path, err)
	}

	for name, patterns := range override.Content {
		pack.Content[name] = patterns
	}
	for name, patterns := range override.Threat {
		pack.Threat[name] = patterns
	}
	return pack, nil
}
