package classifier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GeneralSpec is the catch-all category. Its cap keeps unclassified
// questions out of autonomous action.
func GeneralSpec() CategorySpec {
	return CategorySpec{
		CapLevel:    2,
		Description: "Anything no other category matched",
	}
}

// EngineeringTaxonomy covers software delivery decisions.
func EngineeringTaxonomy() map[string]CategorySpec {
	return map[string]CategorySpec{
		"deployment": {
			Keywords:    []string{"deploy", "deployment", "release", "ship", "rollout", "prod", "production"},
			CapLevel:    4,
			Description: "Releasing builds to an environment",
		},
		"code_review": {
			Keywords:    []string{"review", "pr", "pull request", "merge", "approve changes", "diff"},
			CapLevel:    5,
			Description: "Reviewing and merging changes",
		},
		"testing": {
			Keywords:    []string{"test", "tests", "flaky", "coverage", "ci", "rerun"},
			CapLevel:    5,
			Description: "Test runs and CI decisions",
		},
		"dependencies": {
			Keywords:    []string{"upgrade", "dependency", "dependencies", "bump", "version", "package"},
			CapLevel:    4,
			Description: "Dependency updates",
		},
		"destructive": {
			Keywords:    []string{"delete", "drop", "remove", "truncate", "wipe", "force push", "purge", "rm rf"},
			CapLevel:    2,
			Description: "Irreversible operations",
		},
		"security": {
			Keywords:    []string{"secret", "credential", "token", "vulnerability", "cve", "permission", "permissions"},
			CapLevel:    2,
			Description: "Security-sensitive changes",
		},
	}
}

// DevOpsTaxonomy covers operational decisions.
func DevOpsTaxonomy() map[string]CategorySpec {
	return map[string]CategorySpec{
		"restart": {
			Keywords:    []string{"restart", "reboot", "bounce", "recycle"},
			CapLevel:    4,
			Description: "Restarting services or hosts",
		},
		"scaling": {
			Keywords:    []string{"scale", "replicas", "autoscale", "capacity", "instances"},
			CapLevel:    4,
			Description: "Changing capacity",
		},
		"rollback": {
			Keywords:    []string{"rollback", "roll back", "revert", "downgrade"},
			CapLevel:    3,
			Description: "Reverting a release",
		},
		"incident": {
			Keywords:    []string{"incident", "outage", "page", "alert", "acknowledge"},
			CapLevel:    3,
			Description: "Incident response",
		},
		"infrastructure_change": {
			Keywords:    []string{"terraform", "provision", "dns", "firewall", "network", "cluster"},
			CapLevel:    2,
			Description: "Infrastructure mutations",
		},
		"destructive": {
			Keywords:    []string{"delete", "destroy", "drop", "decommission", "purge", "wipe"},
			CapLevel:    2,
			Description: "Irreversible operations",
		},
	}
}

// TaxonomyFile is the on-disk format of an operator-supplied taxonomy.
type TaxonomyFile struct {
	Name       string                  `yaml:"name"`
	Categories map[string]CategorySpec `yaml:"categories"`
}

// LoadTaxonomyFile reads and validates a YAML taxonomy.
func LoadTaxonomyFile(path string) (*TaxonomyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy: %w", err)
	}

	var tax TaxonomyFile
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy %s: %w", path, err)
	}
	if tax.Name == "" {
		tax.Name = "file"
	}
	if len(tax.Categories) == 0 {
		return nil, fmt.Errorf("taxonomy %s defines no categories", path)
	}
	for name, spec := range tax.Categories {
		if spec.CapLevel < 1 || spec.CapLevel > 5 {
			return nil, fmt.Errorf("taxonomy %s: category %s cap_level must be in [1,5], got %d", path, name, spec.CapLevel)
		}
	}
	return &tax, nil
}
