package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the run command's flags for YAML-based runs.
// Pointer fields distinguish "absent" from an explicit zero, so a config
// file only overrides what it names.
type fileConfig struct {
	Seed           *int64 `yaml:"seed"`
	DraftLength    *int   `yaml:"draft_length"`
	MaxNumSequence *int   `yaml:"max_num_sequence"`
	VocabSize      *int   `yaml:"vocab_size"`

	TargetPages *int `yaml:"target_pages"`
	DraftPages  *int `yaml:"draft_pages"`
	PageSize    *int `yaml:"page_size"`

	Requests     *int `yaml:"requests"`
	Steps        *int `yaml:"steps"`
	PromptTokens *int `yaml:"prompt_tokens"`
	LagTokens    *int `yaml:"lag_tokens"`
}

// applyConfigFile loads a YAML file and overrides the flag variables it
// names.
func applyConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	setInt64(&seed, fc.Seed)
	setInt(&draftLength, fc.DraftLength)
	setInt(&maxNumSequence, fc.MaxNumSequence)
	setInt(&vocabSize, fc.VocabSize)
	setInt(&targetPages, fc.TargetPages)
	setInt(&draftPages, fc.DraftPages)
	setInt(&pageSize, fc.PageSize)
	setInt(&numRequests, fc.Requests)
	setInt(&numSteps, fc.Steps)
	setInt(&promptTokens, fc.PromptTokens)
	setInt(&lagTokens, fc.LagTokens)
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}
