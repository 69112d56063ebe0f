package snapshotpublisher

import (
	"fmt"
	"strings"
)

// Config holds configuration for the snapshot publisher.
type Config struct {
	// SubjectPrefix is prepended to every subject: <prefix>.<run_id>.<event>.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`

	// IncludeThoughts keeps expert and synthesis reasoning in published
	// snapshots. Reasoning is often much larger than the visible output.
	IncludeThoughts bool `json:"include_thoughts" yaml:"include_thoughts"`
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "deepthink.run",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if strings.ContainsAny(c.SubjectPrefix, "*> \t") {
		return fmt.Errorf("subject_prefix %q must not contain wildcards or whitespace", c.SubjectPrefix)
	}
	if strings.HasPrefix(c.SubjectPrefix, ".") || strings.HasSuffix(c.SubjectPrefix, ".") {
		return fmt.Errorf("subject_prefix %q must not start or end with a dot", c.SubjectPrefix)
	}
	return nil
}
